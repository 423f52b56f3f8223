// Package matcher implements request-to-entry matching.
//
// The default matcher compares method and URL segment by segment, with `*`
// as a wildcard segment in stored URLs. Custom matchers supplied via
// configuration are untrusted: WithFallback wraps them so a failing custom
// matcher falls back to the default instead of taking the proxy offline.
package matcher

import (
	"fmt"
	"strings"

	"github.com/replay-cache/replay-cache/pkg/events"
	"github.com/replay-cache/replay-cache/store"
)

// Wildcard is the URL segment that matches any request segment.
const Wildcard = "*"

// Default returns the first entry whose method equals the request method
// and whose URL matches segment-wise. First match wins, so index order is
// significant.
func Default(req store.Request, entries []store.Entry) (*store.Entry, error) {
	reqSegments := strings.Split(req.URL, "/")
	for i := range entries {
		e := &entries[i]
		if e.Method != req.Method {
			continue
		}
		if segmentsMatch(strings.Split(e.URL, "/"), reqSegments) {
			return e, nil
		}
	}
	return nil, nil
}

func segmentsMatch(stored, incoming []string) bool {
	if len(stored) != len(incoming) {
		return false
	}
	for i, seg := range stored {
		if seg != Wildcard && seg != incoming[i] {
			return false
		}
	}
	return true
}

// WithFallback composes a custom matcher with the default one. The custom
// matcher's errors and panics are reported to the sink and the lookup is
// retried with Default, so a bad extension can never break matching.
// A nil custom matcher yields Default itself.
func WithFallback(custom store.MatchFunc, sink events.Sink) store.MatchFunc {
	if custom == nil {
		return Default
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return func(req store.Request, entries []store.Entry) (*store.Entry, error) {
		match, err := runSafely(custom, req, entries)
		if err != nil {
			sink.Emit(events.Event{
				Kind:    events.KindError,
				Message: "custom match function failed, falling back to default",
				Err:     err,
			})
			return Default(req, entries)
		}
		return match, nil
	}
}

func runSafely(fn store.MatchFunc, req store.Request, entries []store.Entry) (match *store.Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("match function panic: %v", r)
		}
	}()
	return fn(req, entries)
}
