// Package tokens provides token estimation for prompt budgeting.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used for all estimates. Skill catalogs are rendered for
// many different models, so a single stable encoding keeps budgets comparable.
const DefaultEncoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			// Leave enc nil; Estimate falls back to the rough heuristic.
			return
		}
		enc = e
	})
	return enc
}

// Estimate returns the token count for text. When the encoder is unavailable
// (offline BPE download, unsupported platform) it falls back to the usual
// four-characters-per-token heuristic.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
