package tina

import (
	"encoding/json"
	"strings"
)

// richTextNode is the subset of Tina's rich-text AST needed to extract text.
type richTextNode struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Children []richTextNode `json:"children"`
}

// excerptText returns the excerpt as plain text. Plain strings pass through,
// rich-text documents are flattened with block elements separated by a space.
func excerptText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var root richTextNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return ""
	}

	var blocks []string
	collectBlocks(root, &blocks)
	return strings.Join(blocks, " ")
}

func collectBlocks(n richTextNode, blocks *[]string) {
	if n.Type == "root" {
		for _, c := range n.Children {
			collectBlocks(c, blocks)
		}
		return
	}

	var b strings.Builder
	inlineText(n, &b)
	if text := strings.Join(strings.Fields(b.String()), " "); text != "" {
		*blocks = append(*blocks, text)
	}
}

func inlineText(n richTextNode, b *strings.Builder) {
	if n.Text != "" {
		b.WriteString(n.Text)
	}
	for _, c := range n.Children {
		inlineText(c, b)
	}
}
