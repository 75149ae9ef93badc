package label

import (
	"regexp"

	"github.com/sells-group/pattern-search/pkg/anthropic"
)

var unsafeCustomID = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// CustomID maps an item key onto the Message Batches custom_id alphabet
// (1-64 chars of [a-zA-Z0-9_-]). Callers keep the reverse mapping because
// distinct keys may collide after sanitising.
func CustomID(itemKey string) string {
	id := unsafeCustomID.ReplaceAllString(itemKey, "_")
	if len(id) > 64 {
		id = id[:64]
	}
	if id == "" {
		id = "_"
	}
	return id
}

// BuildBatchItem builds the bulk-job request for one image using the same
// prompt and encoding as a live call.
func (p *AnthropicProvider) BuildBatchItem(customID string, img ImageRef) (anthropic.BatchRequestItem, error) {
	req, err := p.Request(Instruction, img)
	if err != nil {
		return anthropic.BatchRequestItem{}, err
	}
	return anthropic.BatchRequestItem{CustomID: customID, Params: req}, nil
}
