package reasoner

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// bedrockConverseAPI is the narrow slice of the Bedrock Runtime client
// this package depends on, so tests can supply a fake.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient completes requests via the Bedrock Converse API.
type BedrockClient struct {
	api       bedrockConverseAPI
	modelID   string
	maxTokens int32
}

// NewBedrockClient constructs a client bound to a model id. It panics
// if api is nil: a missing collaborator is a wiring bug, not a runtime
// condition.
func NewBedrockClient(api bedrockConverseAPI, modelID string, maxTokens int32) *BedrockClient {
	if api == nil {
		panic("reasoner: nil bedrockConverseAPI")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &BedrockClient{api: api, modelID: modelID, maxTokens: maxTokens}
}

func (c *BedrockClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.modelID
	}

	var systemBlocks []types.SystemContentBlock
	for _, s := range req.System {
		systemBlocks = append(systemBlocks, &types.SystemContentBlockMemberText{Value: s})
	}

	var messages []types.Message
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == ChatRoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	inferenceCfg := &types.InferenceConfiguration{MaxTokens: aws.Int32(maxTokens)}
	if req.Temperature >= 0 {
		inferenceCfg.Temperature = aws.Float32(req.Temperature)
	}
	if req.TopP > 0 {
		inferenceCfg.TopP = aws.Float32(req.TopP)
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inferenceCfg,
	})
	if err != nil {
		return Response{}, fmt.Errorf("reasoner: bedrock converse: %w", err)
	}

	text, err := bedrockExtractOutputText(out)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Text: text, StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.Usage = TokenUsage{
			InputTokens:  aws.ToInt32(out.Usage.InputTokens),
			OutputTokens: aws.ToInt32(out.Usage.OutputTokens),
			TotalTokens:  aws.ToInt32(out.Usage.TotalTokens),
		}
	}
	return resp, nil
}

func bedrockExtractOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("reasoner: unexpected bedrock output shape %T", out.Output)
	}
	var text string
	for _, block := range msgOutput.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	return text, nil
}
