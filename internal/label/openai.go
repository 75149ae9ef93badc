package label

import (
	"context"
	"net/http"
	"regexp"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIDetail is the image detail hint sent with every request. Low detail
// keeps per-image token cost fixed and small.
const OpenAIDetail = "low"

// OpenAIProvider labels images with an OpenAI vision model via langchaingo.
type OpenAIProvider struct {
	llm        llms.Model
	model      string
	maxTokens  int
	maxImagePx int
}

// OpenAIOption configures the OpenAI provider.
type OpenAIOption func(*openAIOptions)

type openAIOptions struct {
	baseURL      string
	organization string
	httpClient   *http.Client
}

// WithOpenAIBaseURL overrides the API base URL.
func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(o *openAIOptions) { o.baseURL = u }
}

// WithOpenAIOrganization sets the organization header.
func WithOpenAIOrganization(org string) OpenAIOption {
	return func(o *openAIOptions) { o.organization = org }
}

// WithOpenAIHTTPClient sets the HTTP client.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(o *openAIOptions) { o.httpClient = c }
}

// NewOpenAIProvider creates a provider for the given key and model.
func NewOpenAIProvider(apiKey, model string, maxImagePx int, opts ...OpenAIOption) (*OpenAIProvider, error) {
	var o openAIOptions
	for _, opt := range opts {
		opt(&o)
	}

	llmOpts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if o.baseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(o.baseURL))
	}
	if o.organization != "" {
		llmOpts = append(llmOpts, openai.WithOrganization(o.organization))
	}
	if o.httpClient != nil {
		llmOpts = append(llmOpts, openai.WithHTTPClient(o.httpClient))
	}

	llm, err := openai.New(llmOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "label: create openai client")
	}
	return newOpenAIProvider(llm, model, maxImagePx), nil
}

func newOpenAIProvider(llm llms.Model, model string, maxImagePx int) *OpenAIProvider {
	return &OpenAIProvider{llm: llm, model: model, maxTokens: 512, maxImagePx: maxImagePx}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, instruction string, img ImageRef) (*Completion, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	imageURL := img.URL
	if !img.IsRemote() {
		uri, err := img.DataURI(p.maxImagePx)
		if err != nil {
			return nil, err
		}
		imageURL = uri
	}

	content := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(instruction),
				llms.ImageURLWithDetailPart(imageURL, OpenAIDetail),
			},
		},
	}

	resp, err := p.llm.GenerateContent(ctx, content,
		llms.WithTemperature(0.0),
		llms.WithMaxTokens(p.maxTokens),
	)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &LabelError{Kind: KindMalformed, Err: eris.New("label: openai returned no choices")}
	}

	choice := resp.Choices[0]
	return &Completion{
		Text:         choice.Content,
		Model:        p.model,
		InputTokens:  intInfo(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

var statusCodeRe = regexp.MustCompile(`status code: (\d{3})`)

func classifyOpenAI(err error) error {
	if m := statusCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return &LabelError{Kind: KindStatus, StatusCode: code, Err: err}
	}
	return &LabelError{Kind: KindTransport, Err: eris.Wrap(err, "label: openai request")}
}

func intInfo(info map[string]any, key string) int64 {
	switch v := info[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
