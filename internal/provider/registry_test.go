package provider

import "testing"

func records() []Record {
	return []Record{
		{Name: "google", Interface: "google"},
		{Name: "openai", Interface: "openai", Default: true},
		{Name: "anthropic", Interface: "anthropic"},
	}
}

func TestSelect_HintWins(t *testing.T) {
	s := NewSet(records())
	r, err := s.Select("anthropic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Name != "anthropic" {
		t.Errorf("selected %q, want anthropic", r.Name)
	}
}

func TestSelect_UnknownHintFallsBackToDefault(t *testing.T) {
	s := NewSet(records())
	r, err := s.Select("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Name != "openai" {
		t.Errorf("selected %q, want openai (default)", r.Name)
	}
}

func TestSelect_NoHintNoDefaultUsesFirst(t *testing.T) {
	recs := []Record{{Name: "google"}, {Name: "anthropic"}}
	s := NewSet(recs)
	r, err := s.Select("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Name != "google" {
		t.Errorf("selected %q, want google (first declared)", r.Name)
	}
}

func TestSelect_EmptySetErrors(t *testing.T) {
	s := NewSet(nil)
	if _, err := s.Select("anything"); err == nil {
		t.Fatal("expected error for empty provider set")
	}
}

func TestRecord_BaseURLWithPort(t *testing.T) {
	r := Record{Endpoint: "api.openai.com", Port: 443}
	if got := r.BaseURL(); got != "api.openai.com:443" {
		t.Errorf("BaseURL() = %q", got)
	}
}

func TestRecord_BaseURLWithoutPort(t *testing.T) {
	r := Record{Endpoint: "api.openai.com"}
	if got := r.BaseURL(); got != "api.openai.com" {
		t.Errorf("BaseURL() = %q", got)
	}
}
