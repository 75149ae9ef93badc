package label

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pattern-search/pkg/anthropic"
)

// AnthropicProvider labels images with Claude vision through the Messages API.
type AnthropicProvider struct {
	client     anthropic.Client
	model      string
	maxTokens  int64
	maxImagePx int
}

// NewAnthropicProvider creates a provider. maxImagePx bounds local images
// before they are base64-encoded.
func NewAnthropicProvider(client anthropic.Client, model string, maxTokens int64, maxImagePx int) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &AnthropicProvider{client: client, model: model, maxTokens: maxTokens, maxImagePx: maxImagePx}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the configured model ID.
func (p *AnthropicProvider) Model() string { return p.model }

// imagePrompt is the user turn sent alongside the image. The instruction
// itself travels as a cached system block so repeated requests share it.
const imagePrompt = "Label this image."

// Request builds the Messages request for one image.
func (p *AnthropicProvider) Request(instruction string, img ImageRef) (anthropic.MessageRequest, error) {
	if err := img.Validate(); err != nil {
		return anthropic.MessageRequest{}, err
	}

	var src anthropic.ImageSource
	if img.IsRemote() {
		src.URL = img.URL
	} else {
		mediaType, data, err := img.Inline(p.maxImagePx)
		if err != nil {
			return anthropic.MessageRequest{}, err
		}
		src.MediaType = mediaType
		src.Data = data
	}

	temp := 0.0
	return anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		System: []anthropic.SystemBlock{{
			Text:     instruction,
			CacheTTL: anthropic.CacheTTL1h,
		}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: imagePrompt,
			Images:  []anthropic.ImageSource{src},
		}},
		Temperature: &temp,
	}, nil
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, instruction string, img ImageRef) (*Completion, error) {
	req, err := p.Request(instruction, img)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateMessage(ctx, req)
	if err != nil {
		return nil, classifyAnthropic(err)
	}
	resp.Usage.LogCost(p.model, "label")

	return &Completion{
		Text:         resp.Text(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

func classifyAnthropic(err error) error {
	if code := anthropic.StatusCode(err); code > 0 {
		return &LabelError{Kind: KindStatus, StatusCode: code, Err: err}
	}
	return &LabelError{Kind: KindTransport, Err: eris.Wrap(err, "label: anthropic request")}
}
