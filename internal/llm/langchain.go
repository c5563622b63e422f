package llm

import (
	"context"
	"errors"
	"iter"
	"regexp"
	"strconv"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// chatModel adapts a langchaingo model to the Provider interface. The
// langchaingo clients own the wire formats (auth headers, request shapes,
// SSE framing), so one adapter covers every chat backend they support.
type chatModel struct {
	name      string
	model     string
	llm       llms.Model
	validate  func(ctx context.Context) bool
	countFunc func(model, text string) int
}

// Compile-time check that chatModel implements Provider.
var _ Provider = (*chatModel)(nil)

func (m *chatModel) Name() string  { return m.name }
func (m *chatModel) Model() string { return m.model }

func (m *chatModel) Complete(ctx context.Context, req Request) (*ProviderResponse, error) {
	start := time.Now()

	resp, err := m.llm.GenerateContent(ctx, toMessageContent(req.Messages), callOptions(req)...)
	if err != nil {
		return nil, m.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: m.name, Message: "no response choices"}
	}

	choice := resp.Choices[0]
	prompt := intInfo(choice.GenerationInfo, "PromptTokens", "InputTokens", "prompt_tokens")
	completion := intInfo(choice.GenerationInfo, "CompletionTokens", "OutputTokens", "completion_tokens")
	total := intInfo(choice.GenerationInfo, "TotalTokens", "total_tokens")
	if total == 0 {
		total = prompt + completion
	}

	return &ProviderResponse{
		Content:          choice.Content,
		Model:            m.model,
		Provider:         m.name,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		LatencyMs:        time.Since(start).Milliseconds(),
		FinishReason:     choice.StopReason,
		Metadata:         choice.GenerationInfo,
	}, nil
}

type generateResult struct {
	resp *llms.ContentResponse
	err  error
}

func (m *chatModel) Stream(ctx context.Context, req Request) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan string)
		done := make(chan generateResult, 1)

		opts := append(callOptions(req), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			select {
			case chunks <- string(chunk):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))

		go func() {
			resp, err := m.llm.GenerateContent(ctx, toMessageContent(req.Messages), opts...)
			done <- generateResult{resp: resp, err: err}
			close(chunks)
		}()

		for chunk := range chunks {
			if chunk == "" {
				continue
			}
			if !yield(StreamChunk{Content: chunk}, nil) {
				cancel()
				for range chunks {
				}
				return
			}
		}

		res := <-done
		if res.err != nil {
			yield(StreamChunk{}, m.wrapError(res.err))
			return
		}
		var finish string
		if res.resp != nil && len(res.resp.Choices) > 0 {
			finish = res.resp.Choices[0].StopReason
		}
		yield(StreamChunk{IsFinal: true, FinishReason: finish}, nil)
	}
}

func (m *chatModel) ValidateConnection(ctx context.Context) bool {
	if m.validate != nil {
		return m.validate(ctx)
	}
	_, err := m.Complete(ctx, Request{
		Messages:  []Message{{Role: RoleUser, Content: "Hi"}},
		MaxTokens: 5,
	})
	return err == nil
}

func (m *chatModel) EstimateTokens(text string) int {
	if m.countFunc != nil {
		return m.countFunc(m.model, text)
	}
	return EstimateTokens(text)
}

// statusPattern matches the status codes langchaingo clients embed in error text.
var statusPattern = regexp.MustCompile(`(?i)(?:status code:?|status|HTTP)\s*(\d{3})`)

func (m *chatModel) wrapError(err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return &ProviderError{
		Provider:   m.name,
		Message:    err.Error(),
		StatusCode: statusFromError(err),
		Err:        err,
	}
}

// statusFromError extracts an HTTP status code from an error message, or 0.
func statusFromError(err error) int {
	if err == nil {
		return 0
	}
	match := statusPattern.FindStringSubmatch(err.Error())
	if match == nil {
		return 0
	}
	code, _ := strconv.Atoi(match[1])
	return code
}

func toMessageContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		out = append(out, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}
	return out
}

func chatMessageType(role Role) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func callOptions(req Request) []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.TopP > 0 {
		opts = append(opts, llms.WithTopP(req.TopP))
	}
	return opts
}

// intInfo returns the first integer found under any of keys.
func intInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
