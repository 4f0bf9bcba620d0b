package hostcmd

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Fake is a Runner for tests. It records every invocation and answers from
// a table of canned results keyed by command name.
type Fake struct {
	mu sync.Mutex

	// Results maps a command name (e.g. "blkid") to its canned result.
	// A Respond function, when set, takes precedence.
	Results map[string]FakeResult

	// Respond, when non-nil, computes the result for each call.
	Respond func(name string, args ...string) FakeResult

	calls []string
}

// FakeResult is a canned command outcome.
type FakeResult struct {
	Output []byte
	Err    error
}

// Run records the call and returns the configured result. Commands without
// a configured result succeed with empty output.
func (f *Fake) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	f.mu.Unlock()

	if f.Respond != nil {
		res := f.Respond(name, args...)
		return res.Output, res.Err
	}
	if res, ok := f.Results[name]; ok {
		return res.Output, res.Err
	}
	return nil, nil
}

// Calls returns the recorded command lines in invocation order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many invocations named name were recorded.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name || strings.HasPrefix(c, name+" ") {
			n++
		}
	}
	return n
}

// ErrFakeFailure is a generic failure for canned results.
var ErrFakeFailure = errors.New("fake command failure")
