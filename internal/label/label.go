// Package label turns a product image into a list of descriptive search
// labels using a vision-capable LLM.
package label

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// Instruction is the fixed prompt sent with every image. The response
// contract is a semicolon-separated list of double-quoted labels.
const Instruction = `I am creating an image search engine for my website to help users find similar products based on their uploaded photos. ` +
	`We primarily sell knitting and crochet patterns, so our product images mostly feature either the garment/project itself or a model wearing it. ` +
	`I need descriptive labels for this image, including vocabulary that users might use when searching. ` +
	`The labels should detail the knitted/crocheted garment or project, including aspects like style, theme, construction, and type of garment. ` +
	`Respond only with the labels, each wrapped in double quotes and separated by semicolons, in the format: "label1";"label2";"label3". ` +
	`Do not include any other text.`

// Completion is the raw text returned by a provider for one request.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Provider sends exactly one labeling request for one image.
type Provider interface {
	Name() string
	Complete(ctx context.Context, instruction string, img ImageRef) (*Completion, error)
}

// Client labels images through a Provider and parses the response.
type Client struct {
	provider    Provider
	instruction string
}

// NewClient creates a Client backed by p.
func NewClient(p Provider) *Client {
	return &Client{provider: p, instruction: Instruction}
}

// Provider returns the underlying provider.
func (c *Client) Provider() Provider { return c.provider }

// Label sends one request for img and returns the parsed labels and the raw
// response text. A response with no delimiter is a malformed LabelError; the
// raw text is still returned for the result log.
func (c *Client) Label(ctx context.Context, img ImageRef) ([]string, string, error) {
	start := time.Now()
	comp, err := c.provider.Complete(ctx, c.instruction, img)
	if err != nil {
		return nil, "", err
	}

	zap.L().Debug("label: completion received",
		zap.String("provider", c.provider.Name()),
		zap.String("model", comp.Model),
		zap.String("image", img.String()),
		zap.Int64("input_tokens", comp.InputTokens),
		zap.Int64("output_tokens", comp.OutputTokens),
		zap.Duration("elapsed", time.Since(start)),
	)

	labels, err := ParseLabels(comp.Text)
	if err != nil {
		return nil, comp.Text, err
	}
	return labels, comp.Text, nil
}

// ParseLabels splits a raw response on ';', trims whitespace and wrapping
// quotes from each segment, NFC-normalises it and drops empty segments.
// A response with no ';' at all, or with no non-empty segment, is malformed.
func ParseLabels(raw string) ([]string, error) {
	if !strings.Contains(raw, ";") {
		return nil, &LabelError{Kind: KindMalformed, Raw: raw, Err: eris.New("label: response has no ';' delimiter")}
	}

	parts := strings.Split(raw, ";")
	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		p = unquote(strings.TrimSpace(p))
		p = norm.NFC.String(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		labels = append(labels, p)
	}

	if len(labels) == 0 {
		return nil, &LabelError{Kind: KindMalformed, Raw: raw, Err: eris.New("label: response has no labels")}
	}
	return labels, nil
}

var quotePairs = [][2]string{
	{`"`, `"`},
	{`'`, `'`},
	{"“", "”"},
	{"‘", "’"},
}

func unquote(s string) string {
	for _, q := range quotePairs {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return s[len(q[0]) : len(s)-len(q[1])]
		}
	}
	return s
}
