package book

import "strings"

// BlockKind tags a content block.
type BlockKind string

// Supported content block kinds.
const (
	BlockText  BlockKind = "text"
	BlockImage BlockKind = "image"
)

// Block is one ordered piece of chapter content. For image blocks Data is the
// asset locator and Asset holds the fetched bytes once embedded.
type Block struct {
	Kind  BlockKind
	Data  string
	Asset []byte
}

// Content is a chapter body as an ordered list of blocks.
type Content struct {
	Blocks []Block
}

// TextContent wraps plain text as single-block content.
func TextContent(text string) Content {
	return Content{Blocks: []Block{{Kind: BlockText, Data: text}}}
}

// Text joins the text blocks with blank lines, rendering image blocks with
// the supplied function. A nil function drops images.
func (c Content) Text(image func(Block) string) string {
	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		switch b.Kind {
		case BlockImage:
			if image != nil {
				parts = append(parts, image(b))
			}
		default:
			if b.Data != "" {
				parts = append(parts, b.Data)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// HasImages reports whether any block references an asset.
func (c Content) HasImages() bool {
	for _, b := range c.Blocks {
		if b.Kind == BlockImage {
			return true
		}
	}
	return false
}
