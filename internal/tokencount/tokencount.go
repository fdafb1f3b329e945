// Package tokencount provides a deterministic BPE token count for
// (model, text) pairs, used by the rate-limit registry on ingress and by
// the egress filter to account for streamed/non-streamed response
// tokens.
//
// Grounded on common/src/tokenizer.rs in the original implementation:
// an unrecognized model name falls back to the GPT-4-equivalent
// encoder rather than erroring, because ratelimit/metrics accounting
// must never block a request over an unknown model name.
package tokencount

import (
	"fmt"
	"strings"
	"sync"

	"github.com/daulet/tokenizers"
)

// defaultModel is the GPT-4-equivalent fallback encoder used for any
// model name that doesn't start with a recognized GPT-family prefix.
const defaultModel = "gpt-4"

// gptFamilyPrefixes are the model-name prefixes this counter recognizes
// directly; anything else is tokenized with the defaultModel encoder.
var gptFamilyPrefixes = []string{"gpt-3.5", "gpt-4", "gpt-4o", "gpt-5", "o1", "o3"}

// encoder is the minimal surface this package needs from a BPE
// tokenizer. *tokenizers.Tokenizer satisfies it; tests substitute a
// fake so Count's model-resolution and memoization logic can be
// exercised without a real tokenizer.json vocabulary file.
type encoder interface {
	Encode(text string, addSpecialTokens bool) ([]uint32, []string)
	Close()
}

// VocabLoader resolves a model name to the path of its tokenizer.json
// vocabulary file. cmd/archgw supplies a loader that returns the one
// configured vocab file for every model.
type VocabLoader func(model string) (string, error)

// newEncoder constructs the real cgo-backed tokenizer from a vocab file.
// Replaced in tests.
var newEncoder = func(vocabPath string) (encoder, error) {
	return tokenizers.FromFile(vocabPath)
}

// Counter tokenizes (model, text) pairs with a memoized, content-addressable
// set of tokenizer instances — one per distinct resolved model name that
// has actually been requested, built lazily on first use.
type Counter struct {
	loadVocab VocabLoader
	mu        sync.Mutex
	encoders  map[string]encoder
}

// New creates a Counter. loadVocab is consulted once per distinct
// resolved model name; its result is cached for the Counter's lifetime.
func New(loadVocab VocabLoader) *Counter {
	return &Counter{
		loadVocab: loadVocab,
		encoders:  make(map[string]encoder),
	}
}

// Count returns the number of BPE tokens text encodes to under model's
// vocabulary, falling back to the GPT-4-equivalent vocabulary when model
// isn't a recognized GPT-family name.
func (c *Counter) Count(model, text string) (int, error) {
	resolved := resolveModel(model)

	enc, err := c.encoderFor(resolved)
	if err != nil {
		return 0, fmt.Errorf("loading tokenizer for model %q: %w", resolved, err)
	}

	ids, _ := enc.Encode(text, false)
	return len(ids), nil
}

func resolveModel(model string) string {
	lower := strings.ToLower(model)
	for _, prefix := range gptFamilyPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return model
		}
	}
	return defaultModel
}

func (c *Counter) encoderFor(model string) (encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[model]; ok {
		return enc, nil
	}

	vocabPath, err := c.loadVocab(model)
	if err != nil {
		return nil, err
	}

	enc, err := newEncoder(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("instantiating tokenizer from %q: %w", vocabPath, err)
	}

	c.encoders[model] = enc
	return enc, nil
}

// Close releases every memoized tokenizer instance. Call once at process
// shutdown.
func (c *Counter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, enc := range c.encoders {
		enc.Close()
	}
	c.encoders = make(map[string]encoder)
}
