package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// ErrUnsupportedContent is returned when a blob has a content type the model cannot read.
var ErrUnsupportedContent = errors.New("assistant: unsupported attachment content type")

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockLLMClient calls the Bedrock Converse API. Blobs become image or
// document blocks on the final user turn.
type BedrockLLMClient struct {
	api bedrockConverseAPI
}

func NewBedrockLLMClient(api bedrockConverseAPI) *BedrockLLMClient {
	if api == nil {
		panic("assistant: bedrock converse client cannot be nil")
	}
	return &BedrockLLMClient{api: api}
}

func (c *BedrockLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	if strings.TrimSpace(req.Model) == "" {
		return LLMResponse{}, errors.New("assistant: bedrock model id is required")
	}

	systemBlocks := make([]brtypes.SystemContentBlock, 0, len(req.System))
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	messages := make([]brtypes.Message, 0, len(req.Messages)+1)
	for _, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch msg.Role {
		case ChatRoleSystem:
			systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: content})
		case ChatRoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: content}},
			})
		case ChatRoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: content}},
			})
		default:
			return LLMResponse{}, fmt.Errorf("assistant: unsupported role %q", msg.Role)
		}
	}

	if len(req.Blobs) > 0 {
		blocks := make([]brtypes.ContentBlock, 0, len(req.Blobs))
		for i, blob := range req.Blobs {
			block, err := bedrockBlobBlock(blob, i)
			if err != nil {
				return LLMResponse{}, err
			}
			blocks = append(blocks, block)
		}
		last := len(messages) - 1
		if last >= 0 && messages[last].Role == brtypes.ConversationRoleUser {
			messages[last].Content = append(messages[last].Content, blocks...)
		} else {
			messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})
		}
	}
	if len(messages) == 0 {
		return LLMResponse{}, errors.New("assistant: bedrock requires at least one message")
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	// Negative temperature means "use the model default".
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}
	if inference.MaxTokens == nil && inference.Temperature == nil {
		inference = nil
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inference,
	})
	if err != nil {
		return LLMResponse{}, err
	}

	text, err := bedrockOutputText(out)
	if err != nil {
		return LLMResponse{}, err
	}
	resp := LLMResponse{Text: strings.TrimSpace(text), StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.Usage = TokenUsage{
			InputTokens:  int32OrZero(out.Usage.InputTokens),
			OutputTokens: int32OrZero(out.Usage.OutputTokens),
			TotalTokens:  int32OrZero(out.Usage.TotalTokens),
		}
	}
	return resp, nil
}

func bedrockBlobBlock(blob Blob, index int) (brtypes.ContentBlock, error) {
	contentType := normalizeContentType(blob.ContentType)
	switch contentType {
	case "image/jpeg", "image/jpg":
		return bedrockImage(brtypes.ImageFormatJpeg, blob.Data), nil
	case "image/png":
		return bedrockImage(brtypes.ImageFormatPng, blob.Data), nil
	case "image/gif":
		return bedrockImage(brtypes.ImageFormatGif, blob.Data), nil
	case "image/webp":
		return bedrockImage(brtypes.ImageFormatWebp, blob.Data), nil
	}

	var format brtypes.DocumentFormat
	switch contentType {
	case "application/pdf":
		format = brtypes.DocumentFormatPdf
	case "text/plain":
		format = brtypes.DocumentFormatTxt
	case "text/csv":
		format = brtypes.DocumentFormatCsv
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContent, blob.ContentType)
	}
	// Bedrock document names allow only a restricted character set.
	name := fmt.Sprintf("attachment-%d", index+1)
	return &brtypes.ContentBlockMemberDocument{Value: brtypes.DocumentBlock{
		Format: format,
		Name:   aws.String(name),
		Source: &brtypes.DocumentSourceMemberBytes{Value: blob.Data},
	}}, nil
}

func bedrockImage(format brtypes.ImageFormat, data []byte) brtypes.ContentBlock {
	return &brtypes.ContentBlockMemberImage{Value: brtypes.ImageBlock{
		Format: format,
		Source: &brtypes.ImageSourceMemberBytes{Value: data},
	}}
}

func bedrockOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil {
		return "", errors.New("assistant: bedrock response is nil")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("assistant: bedrock response did not include a message output")
	}
	var builder strings.Builder
	for _, block := range msgOut.Value.Content {
		if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
			builder.WriteString(textBlock.Value)
		}
	}
	if strings.TrimSpace(builder.String()) == "" {
		return "", errors.New("assistant: bedrock response contained no text content blocks")
	}
	return builder.String(), nil
}

func normalizeContentType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return contentType
}

func int32OrZero(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
