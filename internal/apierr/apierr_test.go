package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusCode(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindDeserialization, http.StatusBadRequest},
		{KindExceededRatelimit, http.StatusTooManyRequests},
		{KindUpstream, http.StatusBadGateway},
		{KindHTTPDispatch, http.StatusBadGateway},
		{KindLogic, http.StatusInternalServerError},
	}
	for _, c := range cases {
		e := New(c.kind, "boom")
		if got := e.StatusCode(); got != c.want {
			t.Errorf("Kind(%d).StatusCode() = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestClassify_PassesThroughExistingError(t *testing.T) {
	orig := New(KindExceededRatelimit, "too many tokens")
	wrapped := errors.New("context: " + orig.Error())
	_ = wrapped // not an *Error, should be reclassified

	got := Classify(orig)
	if got != orig {
		t.Errorf("Classify did not pass through an existing *Error")
	}
}

func TestClassify_WrapsForeignError(t *testing.T) {
	foreign := errors.New("some deep failure")
	got := Classify(foreign)
	if got.Kind != KindLogic {
		t.Errorf("Kind = %v, want KindLogic", got.Kind)
	}
	if !errors.Is(got, foreign) {
		t.Errorf("wrapped error lost the original cause")
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, BadRequest("missing field %q", "model"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	var got body
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Error != `missing field "model"` {
		t.Errorf("error = %q", got.Error)
	}
}
