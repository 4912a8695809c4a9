package acquisition

import (
	"github.com/tmc/langchaingo/textsplitter"
)

// Splitter cuts document text into extraction units.
type Splitter interface {
	Split(text string) ([]string, error)
}

// TextSplitter wraps the recursive character splitter so units break at
// paragraph boundaries where possible.
type TextSplitter struct {
	splitter textsplitter.RecursiveCharacter
}

func NewTextSplitter(chunkSize, chunkOverlap int) *TextSplitter {
	if chunkSize <= 0 {
		chunkSize = 3000
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	return &TextSplitter{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
	}
}

func (s *TextSplitter) Split(text string) ([]string, error) {
	return s.splitter.SplitText(text)
}

// estimateTokens is a rough four characters per token estimate, good
// enough for sizing prompts.
func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
