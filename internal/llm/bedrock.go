package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/raphaelgruber/moduleconv/internal/models"
)

// converseAPI is the subset of the Bedrock runtime client the adapter uses.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockProvider talks to AWS Bedrock through the Converse API. Credentials
// come from the default AWS chain; the "region" option selects the region.
type BedrockProvider struct {
	client converseAPI
	model  string
}

var _ Provider = (*BedrockProvider)(nil)

// NewBedrock is a Factory for the bedrock provider kind.
func NewBedrock(opts ProviderOptions) (Provider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := opts.option("region"); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &BedrockProvider{client: client, model: opts.Model}, nil
}

func (p *BedrockProvider) Name() string  { return string(models.ProviderBedrock) }
func (p *BedrockProvider) Model() string { return p.model }

func (p *BedrockProvider) Complete(ctx context.Context, req Request) (*ProviderResponse, error) {
	start := time.Now()
	system, messages := bedrockMessages(req.Messages)

	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(p.model),
		Messages:        messages,
		System:          system,
		InferenceConfig: inferenceConfig(req),
	})
	if err != nil {
		return nil, p.wrapError(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, &ProviderError{Provider: p.Name(), Message: "unexpected converse output"}
	}

	var content strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			content.WriteString(text.Value)
		}
	}

	resp := &ProviderResponse{
		Content:      content.String(),
		Model:        p.model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
		FinishReason: string(out.StopReason),
	}
	if out.Usage != nil {
		resp.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		resp.TotalTokens = int(aws.ToInt32(out.Usage.TotalTokens))
	}
	return resp, nil
}

func (p *BedrockProvider) Stream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		system, messages := bedrockMessages(req.Messages)
		out, err := p.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
			ModelId:         aws.String(p.model),
			Messages:        messages,
			System:          system,
			InferenceConfig: inferenceConfig(req),
		})
		if err != nil {
			yield(StreamChunk{}, p.wrapError(err))
			return
		}

		stream := out.GetStream()
		defer stream.Close()

		var finish string
		for event := range stream.Events() {
			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				delta, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText)
				if !ok || delta.Value == "" {
					continue
				}
				if !yield(StreamChunk{Content: delta.Value}, nil) {
					return
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				finish = string(v.Value.StopReason)
			}
		}
		if err := stream.Err(); err != nil {
			yield(StreamChunk{}, p.wrapError(err))
			return
		}
		yield(StreamChunk{IsFinal: true, FinishReason: finish}, nil)
	}
}

func (p *BedrockProvider) ValidateConnection(ctx context.Context) bool {
	_, err := p.Complete(ctx, Request{
		Messages:  []Message{{Role: RoleUser, Content: "Hi"}},
		MaxTokens: 5,
	})
	return err == nil
}

func (p *BedrockProvider) EstimateTokens(text string) int {
	return EstimateTokens(text)
}

func (p *BedrockProvider) wrapError(err error) error {
	perr := &ProviderError{Provider: p.Name(), Message: err.Error(), Err: err}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		perr.StatusCode = respErr.HTTPStatusCode()
	}
	return perr
}

// bedrockMessages splits system messages into the top-level system blocks
// the Converse API expects.
func bedrockMessages(msgs []Message) ([]types.SystemContentBlock, []types.Message) {
	var system []types.SystemContentBlock
	var out []types.Message
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
		case RoleAssistant:
			out = append(out, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			out = append(out, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		}
	}
	return system, out
}

func inferenceConfig(req Request) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{
		Temperature: aws.Float32(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.TopP > 0 {
		cfg.TopP = aws.Float32(float32(req.TopP))
	}
	return cfg
}
