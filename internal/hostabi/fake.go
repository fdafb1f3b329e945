package hostabi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeHost is an in-memory Host for tests: calls are matched by method
// and path against a list of programmed responses, in the order they
// were registered, consumed first-match.
type FakeHost struct {
	mu        sync.Mutex
	responses []fakeResponse
	Calls     []CalloutRequest
	Clock     time.Time
}

type fakeResponse struct {
	method, path string
	resp         CalloutResponse
	err          error
}

// NewFakeHost builds a FakeHost with a fixed clock, useful for pinning
// trace-span timestamps and TTFT calculations in tests.
func NewFakeHost(clock time.Time) *FakeHost {
	return &FakeHost{Clock: clock}
}

// Respond registers the next response FakeHost returns for a call
// matching method+path.
func (f *FakeHost) Respond(method, path string, resp CalloutResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{method: method, path: path, resp: resp})
}

// Fail registers the next call matching method+path to fail with err.
func (f *FakeHost) Fail(method, path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{method: method, path: path, err: err})
}

func (f *FakeHost) Dispatch(ctx context.Context, req CalloutRequest) (CalloutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, req)

	for i, r := range f.responses {
		if r.method == req.Method && r.path == req.Path {
			f.responses = append(f.responses[:i], f.responses[i+1:]...)
			if r.err != nil {
				return CalloutResponse{}, r.err
			}
			return r.resp, nil
		}
	}
	return CalloutResponse{}, fmt.Errorf("fakehost: no programmed response for %s %s", req.Method, req.Path)
}

func (f *FakeHost) Now() time.Time { return f.Clock }
