package embedding

import (
	"context"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"task2vec/internal/domain"
	"task2vec/internal/port"
)

var loadEncoding = func() (*tiktoken.Tiktoken, error) {
	return tiktoken.GetEncoding("cl100k_base")
}

// Truncating caps every input at maxTokens before it reaches the provider.
// When the tokenizer cannot be loaded, inputs are capped at maxTokens runes.
type Truncating struct {
	next      port.Embedder
	maxTokens int
	logger    *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTruncating(next port.Embedder, maxTokens int, logger *slog.Logger) *Truncating {
	if logger == nil {
		logger = slog.Default()
	}
	return &Truncating{next: next, maxTokens: maxTokens, logger: logger}
}

func (t *Truncating) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if t.maxTokens <= 0 {
		return t.next.Embed(ctx, texts)
	}
	capped := make([]string, len(texts))
	for i, text := range texts {
		capped[i] = t.Truncate(text)
	}
	return t.next.Embed(ctx, capped)
}

// Truncate returns text cut to the token budget.
func (t *Truncating) Truncate(text string) string {
	if t.maxTokens <= 0 || len(text) <= t.maxTokens {
		// a token is at least one byte
		return text
	}
	if enc := t.encoding(); enc != nil {
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) <= t.maxTokens {
			return text
		}
		return trimPartialRune(enc.Decode(tokens[:t.maxTokens]))
	}
	return domain.TruncateRunes(text, t.maxTokens)
}

// trimPartialRune drops trailing bytes of a multi-byte rune that a byte-level
// token cut split in two.
func trimPartialRune(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

func (t *Truncating) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := loadEncoding()
		if err != nil {
			t.logger.Warn("tokenizer unavailable, truncating by runes", "error", err)
			return
		}
		t.enc = enc
	})
	return t.enc
}

func (t *Truncating) Dimension() int {
	return t.next.Dimension()
}

func (t *Truncating) ModelName() string {
	return t.next.ModelName()
}
