package pathtmpl

import "testing"

func TestComputeRequestPathBody_Get(t *testing.T) {
	path := "/mc/{cluster_name}"
	args := map[string]any{"cluster_name": "test1", "hello": "hello world"}
	params := []Parameter{{Name: "country", Default: "US", HasDefault: true}}

	gotPath, gotBody, err := ComputeRequestPathBody(path, args, params, MethodGet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantPath := "/mc/test1?hello=hello%20world&country=US"
	if gotPath != wantPath {
		t.Errorf("path = %q, want %q", gotPath, wantPath)
	}
	if gotBody != nil {
		t.Errorf("body = %q, want nil", gotBody)
	}
}

func TestComputeRequestPathBody_Post(t *testing.T) {
	path := "/mc/"
	args := map[string]any{"country": "UK"}
	params := []Parameter{{Name: "country", Default: "US", HasDefault: true}}

	gotPath, gotBody, err := ComputeRequestPathBody(path, args, params, MethodPost)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/mc/" {
		t.Errorf("path = %q, want %q", gotPath, "/mc/")
	}
	if string(gotBody) != `{"country":"UK"}` {
		t.Errorf("body = %s, want %s", gotBody, `{"country":"UK"}`)
	}
}

func TestReplace_MissingPlaceholder(t *testing.T) {
	path := "/foo/{bar}/baz/{qux}"
	toolParams := map[string]string{"bar": "qux"}

	_, _, _, err := Replace(path, toolParams, nil)
	if err == nil {
		t.Fatal("expected MissingValueError, got nil")
	}
	mv, ok := err.(*MissingValueError)
	if !ok {
		t.Fatalf("error = %T, want *MissingValueError", err)
	}
	if mv.Name != "qux" {
		t.Errorf("missing name = %q, want %q", mv.Name, "qux")
	}
}

func TestReplace_NoPlaceholdersLeftInOutput(t *testing.T) {
	path := "/foo/{bar}/baz/{qux}"
	toolParams := map[string]string{"bar": "qux", "qux": "quux"}

	gotPath, gotQuery, _, err := Replace(path, toolParams, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/foo/qux/baz/quux" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "" {
		t.Errorf("query = %q, want empty", gotQuery)
	}

	// Idempotent: re-applying with empty params to the already-resolved
	// path must not error and must not change it.
	again, _, _, err := Replace(gotPath, nil, nil)
	if err != nil {
		t.Fatalf("re-apply error: %v", err)
	}
	if again != gotPath {
		t.Errorf("re-apply changed path: %q != %q", again, gotPath)
	}
}

func TestFilterToolParams_DropsNonScalars(t *testing.T) {
	args := map[string]any{
		"city":   "Seattle",
		"count":  float64(3),
		"active": true,
		"nested": map[string]any{"a": 1},
		"list":   []any{1, 2, 3},
		"none":   nil,
	}
	got := FilterToolParams(args)
	if len(got) != 3 {
		t.Fatalf("got %d scalar params, want 3: %#v", len(got), got)
	}
	if got["city"] != "Seattle" || got["count"] != "3" || got["active"] != "true" {
		t.Errorf("unexpected filtered values: %#v", got)
	}
}
