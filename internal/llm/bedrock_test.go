package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConverse struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.out, f.err
}

func (f *fakeConverse) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, errors.New("not implemented")
}

func TestBedrockComplete(t *testing.T) {
	fake := &fakeConverse{out: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "def "},
				&types.ContentBlockMemberText{Value: "main(): pass"},
			},
		}},
		StopReason: types.StopReasonEndTurn,
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(11),
			OutputTokens: aws.Int32(4),
			TotalTokens:  aws.Int32(15),
		},
	}}
	p := &BedrockProvider{client: fake, model: "anthropic.claude-3-haiku"}

	resp, err := p.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "system rules"},
			{Role: RoleUser, Content: "convert"},
			{Role: RoleAssistant, Content: "draft"},
		},
		Temperature: 0.1,
		MaxTokens:   256,
	})
	require.NoError(t, err)

	assert.Equal(t, "def main(): pass", resp.Content)
	assert.Equal(t, "bedrock", resp.Provider)
	assert.Equal(t, 11, resp.PromptTokens)
	assert.Equal(t, 4, resp.CompletionTokens)
	assert.Equal(t, 15, resp.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)

	require.Len(t, fake.input.System, 1)
	require.Len(t, fake.input.Messages, 2)
	assert.Equal(t, types.ConversationRoleUser, fake.input.Messages[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, fake.input.Messages[1].Role)
	assert.Equal(t, int32(256), aws.ToInt32(fake.input.InferenceConfig.MaxTokens))
}

func TestBedrockErrorStatus(t *testing.T) {
	fake := &fakeConverse{err: &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 429}},
			Err:      errors.New("throttled"),
		},
	}}
	p := &BedrockProvider{client: fake, model: "m"}

	_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 429, perr.StatusCode)
	assert.False(t, p.ValidateConnection(context.Background()))
}
