package reasoner

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"
)

type fakeBedrockAPI struct {
	out *bedrockruntime.ConverseOutput
	err error
	got *bedrockruntime.ConverseInput
}

func (f *fakeBedrockAPI) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.got = params
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func TestBedrockClient_CompleteExtractsText(t *testing.T) {
	fake := &fakeBedrockAPI{
		out: &bedrockruntime.ConverseOutput{
			StopReason: types.StopReasonEndTurn,
			Output: &types.ConverseOutputMemberMessage{
				Value: types.Message{
					Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "hello there"}},
				},
			},
			Usage: &types.TokenUsage{
				InputTokens:  aws.Int32(10),
				OutputTokens: aws.Int32(5),
				TotalTokens:  aws.Int32(15),
			},
		},
	}
	c := NewBedrockClient(fake, "model-x", 512)

	resp, err := c.Complete(context.Background(), Request{
		System:      []string{"be terse"},
		Messages:    []Message{{Role: ChatRoleUser, Content: "hi"}},
		Temperature: -1,
	})
	require.NoError(t, err)
	require.Equal(t, "hello there", resp.Text)
	require.Equal(t, int32(15), resp.Usage.TotalTokens)
	require.Len(t, fake.got.System, 1)
	require.Nil(t, fake.got.InferenceConfig.Temperature)
}

func TestBedrockClient_CompletePropagatesError(t *testing.T) {
	fake := &fakeBedrockAPI{err: errors.New("throttled")}
	c := NewBedrockClient(fake, "model-x", 512)

	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: ChatRoleUser, Content: "hi"}}})
	require.Error(t, err)
}

func TestBedrockClient_CompleteRejectsUnexpectedOutputShape(t *testing.T) {
	fake := &fakeBedrockAPI{out: &bedrockruntime.ConverseOutput{}}
	c := NewBedrockClient(fake, "model-x", 512)

	_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: ChatRoleUser, Content: "hi"}}})
	require.Error(t, err)
}

func TestNewBedrockClient_PanicsOnNilAPI(t *testing.T) {
	require.Panics(t, func() { NewBedrockClient(nil, "model-x", 512) })
}

func TestFallbackClient_UsesPrimaryOnSuccess(t *testing.T) {
	primary := stubClient{resp: Response{Text: "from primary"}}
	fallback := stubClient{resp: Response{Text: "from fallback"}}
	fc := NewFallbackClient(primary, fallback, true)

	resp, err := fc.Complete(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, "from primary", resp.Text)
	require.Equal(t, "primary", resp.Provider)
}

func TestFallbackClient_FallsBackOnPrimaryError(t *testing.T) {
	primary := stubClient{err: errors.New("down")}
	fallback := stubClient{resp: Response{Text: "from fallback"}}
	fc := NewFallbackClient(primary, fallback, true)

	resp, err := fc.Complete(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, "from fallback", resp.Text)
	require.Equal(t, "fallback", resp.Provider)
}

func TestFallbackClient_DisabledReturnsPrimaryError(t *testing.T) {
	primary := stubClient{err: errors.New("down")}
	fallback := stubClient{resp: Response{Text: "from fallback"}}
	fc := NewFallbackClient(primary, fallback, false)

	_, err := fc.Complete(context.Background(), Request{})
	require.Error(t, err)
}

type stubClient struct {
	resp Response
	err  error
}

func (s stubClient) Complete(ctx context.Context, req Request) (Response, error) {
	return s.resp, s.err
}
