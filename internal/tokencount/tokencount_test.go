package tokencount

import (
	"errors"
	"fmt"
	"testing"
)

// fakeEncoder tokenizes by splitting on spaces — good enough to exercise
// model resolution and memoization without a real vocabulary file.
type fakeEncoder struct {
	closed bool
}

func (f *fakeEncoder) Encode(text string, addSpecialTokens bool) ([]uint32, []string) {
	words := []string{}
	cur := ""
	for _, r := range text {
		if r == ' ' {
			if cur != "" {
				words = append(words, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		words = append(words, cur)
	}
	ids := make([]uint32, len(words))
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ids, words
}

func (f *fakeEncoder) Close() { f.closed = true }

func withFakeEncoders(t *testing.T) map[string]*fakeEncoder {
	t.Helper()
	built := make(map[string]*fakeEncoder)
	orig := newEncoder
	newEncoder = func(vocabPath string) (encoder, error) {
		enc := &fakeEncoder{}
		built[vocabPath] = enc
		return enc, nil
	}
	t.Cleanup(func() { newEncoder = orig })
	return built
}

func TestResolveModel_GPTFamilyPassesThrough(t *testing.T) {
	cases := []string{"gpt-3.5-turbo", "gpt-4", "gpt-4o-mini", "gpt-5", "o1-preview", "o3-mini"}
	for _, model := range cases {
		if got := resolveModel(model); got != model {
			t.Errorf("resolveModel(%q) = %q, want unchanged", model, got)
		}
	}
}

func TestResolveModel_UnknownFallsBackToDefault(t *testing.T) {
	for _, model := range []string{"claude-3-opus", "mistral-large", ""} {
		if got := resolveModel(model); got != defaultModel {
			t.Errorf("resolveModel(%q) = %q, want %q", model, got, defaultModel)
		}
	}
}

func TestCount_UsesVocabForResolvedModel(t *testing.T) {
	built := withFakeEncoders(t)

	var loadedFor []string
	c := New(func(model string) (string, error) {
		loadedFor = append(loadedFor, model)
		return fmt.Sprintf("/vocab/%s.json", model), nil
	})

	n, err := c.Count("claude-3-opus", "hello there world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if len(loadedFor) != 1 || loadedFor[0] != defaultModel {
		t.Errorf("loadVocab called with %v, want [%s]", loadedFor, defaultModel)
	}
	if len(built) != 1 {
		t.Errorf("built %d encoders, want 1", len(built))
	}
}

func TestCount_MemoizesEncoderPerModel(t *testing.T) {
	built := withFakeEncoders(t)

	calls := 0
	c := New(func(model string) (string, error) {
		calls++
		return "/vocab/" + model + ".json", nil
	})

	if _, err := c.Count("gpt-4", "a b c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Count("gpt-4", "d e"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("loadVocab called %d times, want 1 (memoized)", calls)
	}
	if len(built) != 1 {
		t.Errorf("built %d encoders, want 1", len(built))
	}
}

func TestCount_PropagatesVocabLoadError(t *testing.T) {
	withFakeEncoders(t)

	wantErr := errors.New("no such vocab")
	c := New(func(model string) (string, error) {
		return "", wantErr
	})

	if _, err := c.Count("gpt-4", "hi"); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapping %v", err, wantErr)
	}
}

func TestClose_ReleasesAllEncoders(t *testing.T) {
	built := withFakeEncoders(t)

	c := New(func(model string) (string, error) {
		return "/vocab/" + model + ".json", nil
	})
	if _, err := c.Count("gpt-4", "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Count("claude-3", "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Close()

	for path, enc := range built {
		if !enc.closed {
			t.Errorf("encoder for %q was not closed", path)
		}
	}
}
