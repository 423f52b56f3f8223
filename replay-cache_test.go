package replaycache_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	replaycache "github.com/replay-cache/replay-cache"
	"github.com/replay-cache/replay-cache/reqlog"
	"github.com/replay-cache/replay-cache/store"

	"github.com/rs/zerolog"
)

type fakeFetcher struct {
	calls   int
	lastReq *http.Request
	capture store.Capture
	err     error
}

func (f *fakeFetcher) Do(req *http.Request) (*store.Capture, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	c := f.capture
	return &c, nil
}

func upstreamCapture(code int) store.Capture {
	return store.Capture{
		Code:    code,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"source":"upstream"}`),
	}
}

func newTestCache(t *testing.T, config replaycache.Config, fetcher *fakeFetcher) *replaycache.ReplayCache {
	t.Helper()
	logger := zerolog.Nop()
	config.Logger = &logger
	config.CachePath = t.TempDir()
	upstream, _ := url.Parse("http://upstream.test")
	config.UpstreamURL = *upstream
	config.Fetcher = fetcher
	rc, err := replaycache.New(config)
	if err != nil {
		t.Fatal(err)
	}
	return rc
}

func seedHit(t *testing.T, rc *replaycache.ReplayCache) *store.Entry {
	t.Helper()
	entry, err := rc.Store().Save(store.Request{Method: "GET", URL: "/users/*"}, store.Capture{
		Code:    200,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"source":"cache"}`),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func doGet(rc *replaycache.ReplayCache, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", target, nil)
	rc.ServeHTTP(rr, req)
	return rr
}

func bodySource(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	data, _ := io.ReadAll(rr.Result().Body)
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Response body %q is not JSON: %v", data, err)
	}
	return body["source"]
}

// TestPolicyTable drives all combinations of the three mode flags against
// a hit and a miss and checks the action taken against the routing rules.
func TestPolicyTable(t *testing.T) {
	tests := []struct {
		name                   string
		skip, override, bypass bool
		hit                    bool
		wantFetch              bool
		wantStatus             int
		wantSource             string // "" = no JSON body expected
		wantEntries            int
		wantEntryCode          int // 0 = don't check
	}{
		{name: "miss fetches and saves", wantFetch: true, wantStatus: 201, wantSource: "upstream", wantEntries: 1, wantEntryCode: 201},
		{name: "hit serves cached", hit: true, wantStatus: 200, wantSource: "cache", wantEntries: 1, wantEntryCode: 200},
		{name: "bypass miss fetches without saving", bypass: true, wantFetch: true, wantStatus: 201, wantSource: "upstream", wantEntries: 0},
		{name: "bypass hit fetches without touching entry", bypass: true, hit: true, wantFetch: true, wantStatus: 201, wantSource: "upstream", wantEntries: 1, wantEntryCode: 200},
		{name: "override miss fetches and saves", override: true, wantFetch: true, wantStatus: 201, wantSource: "upstream", wantEntries: 1, wantEntryCode: 201},
		{name: "override hit refreshes entry", override: true, hit: true, wantFetch: true, wantStatus: 201, wantSource: "upstream", wantEntries: 1, wantEntryCode: 201},
		{name: "override with bypass miss does not save", override: true, bypass: true, wantFetch: true, wantStatus: 201, wantSource: "upstream", wantEntries: 0},
		{name: "override with bypass hit does not save", override: true, bypass: true, hit: true, wantFetch: true, wantStatus: 201, wantSource: "upstream", wantEntries: 1, wantEntryCode: 200},
		{name: "skip-remote miss is not found", skip: true, wantStatus: 404, wantEntries: 0},
		{name: "skip-remote hit serves cached", skip: true, hit: true, wantStatus: 200, wantSource: "cache", wantEntries: 1, wantEntryCode: 200},
		{name: "skip-remote beats bypass on miss", skip: true, bypass: true, wantStatus: 404, wantEntries: 0},
		{name: "skip-remote beats bypass on hit", skip: true, bypass: true, hit: true, wantStatus: 200, wantSource: "cache", wantEntries: 1},
		{name: "skip-remote beats override on miss", skip: true, override: true, wantStatus: 404, wantEntries: 0},
		{name: "skip-remote beats override on hit", skip: true, override: true, hit: true, wantStatus: 200, wantSource: "cache", wantEntries: 1},
		{name: "skip-remote beats all on miss", skip: true, override: true, bypass: true, wantStatus: 404, wantEntries: 0},
		{name: "skip-remote beats all on hit", skip: true, override: true, bypass: true, hit: true, wantStatus: 200, wantSource: "cache", wantEntries: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{capture: upstreamCapture(201)}
			rc := newTestCache(t, replaycache.Config{
				SkipRemote:   tt.skip,
				OverrideMode: tt.override,
				BypassCache:  tt.bypass,
			}, fetcher)
			var seeded *store.Entry
			if tt.hit {
				seeded = seedHit(t, rc)
			}

			rr := doGet(rc, "/users/42")

			if fetched := fetcher.calls > 0; fetched != tt.wantFetch {
				t.Errorf("Upstream fetched = %v, want %v", fetched, tt.wantFetch)
			}
			if rr.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantSource != "" {
				if src := bodySource(t, rr); src != tt.wantSource {
					t.Errorf("Body source = %q, want %q", src, tt.wantSource)
				}
			}

			entries, err := rc.Store().Entries()
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != tt.wantEntries {
				t.Fatalf("Index has %d entries, want %d", len(entries), tt.wantEntries)
			}
			if tt.wantEntryCode != 0 && entries[0].Code != tt.wantEntryCode {
				t.Errorf("Entry code = %d, want %d", entries[0].Code, tt.wantEntryCode)
			}
			if tt.hit && tt.wantEntries == 1 && seeded != nil && entries[0].ID != seeded.ID {
				t.Errorf("Entry id changed from %q to %q", seeded.ID, entries[0].ID)
			}
		})
	}
}

// Scenario: empty store, first request records a new entry.
func TestRecordOnFirstRequest(t *testing.T) {
	fetcher := &fakeFetcher{capture: upstreamCapture(200)}
	rc := newTestCache(t, replaycache.Config{}, fetcher)

	rr := doGet(rc, "/users/1")

	if fetcher.calls != 1 {
		t.Fatalf("Upstream called %d times, want 1", fetcher.calls)
	}
	if rr.Code != 200 || bodySource(t, rr) != "upstream" {
		t.Fatalf("Response %d %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Result().Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %q", ct)
	}
	entries, _ := rc.Store().Entries()
	if len(entries) != 1 {
		t.Fatalf("Index has %d entries, want 1", len(entries))
	}
	if entries[0].ID == "" || entries[0].Method != "GET" || entries[0].URL != "/users/1" || entries[0].Code != 200 {
		t.Fatalf("Recorded entry is %+v", entries[0])
	}
}

// Scenario: wildcard entry replays without an upstream call.
func TestReplayFromWildcardEntry(t *testing.T) {
	fetcher := &fakeFetcher{capture: upstreamCapture(200)}
	rc := newTestCache(t, replaycache.Config{}, fetcher)
	seedHit(t, rc)

	rr := doGet(rc, "/users/42")

	if fetcher.calls != 0 {
		t.Fatalf("Upstream called %d times, want 0", fetcher.calls)
	}
	if bodySource(t, rr) != "cache" {
		t.Fatalf("Body is %q", rr.Body.String())
	}
	if ct := rr.Result().Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type is %q", ct)
	}
}

// Scenario: override mode refreshes the matched entry in place.
func TestOverrideRefreshesEntry(t *testing.T) {
	fetcher := &fakeFetcher{capture: upstreamCapture(201)}
	rc := newTestCache(t, replaycache.Config{}, fetcher)
	seeded := seedHit(t, rc)
	rc.Modes().SetOverrideMode(true)

	doGet(rc, "/users/42")

	if fetcher.calls != 1 {
		t.Fatalf("Upstream called %d times, want 1", fetcher.calls)
	}
	entries, _ := rc.Store().Entries()
	if len(entries) != 1 {
		t.Fatalf("Index has %d entries, want 1", len(entries))
	}
	if entries[0].ID != seeded.ID {
		t.Fatalf("Entry id changed from %q to %q", seeded.ID, entries[0].ID)
	}
	if entries[0].Code != 201 || entries[0].URL != "/users/42" {
		t.Fatalf("Entry not refreshed: %+v", entries[0])
	}
	if entries[0].Timestamp < seeded.Timestamp {
		t.Fatal("Timestamp went backwards on refresh")
	}
}

// Scenario: skip-remote miss rejects without calling upstream.
func TestSkipRemoteMissIsNotFound(t *testing.T) {
	fetcher := &fakeFetcher{capture: upstreamCapture(200)}
	rc := newTestCache(t, replaycache.Config{SkipRemote: true}, fetcher)

	rr := doGet(rc, "/users/1")

	if fetcher.calls != 0 {
		t.Fatalf("Upstream called %d times, want 0", fetcher.calls)
	}
	if rr.Code != http.StatusNotFound {
		t.Fatalf("Status is %d, want 404", rr.Code)
	}
}

func TestUpstreamFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	rc := newTestCache(t, replaycache.Config{}, fetcher)

	rr := doGet(rc, "/users/1")

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d, want 502", rr.Code)
	}
	entries, _ := rc.Store().Entries()
	if len(entries) != 0 {
		t.Fatal("A failed fetch created a cache entry")
	}
}

func TestNon2xxUpstreamIsCached(t *testing.T) {
	fetcher := &fakeFetcher{capture: store.Capture{
		Code:    503,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"source":"upstream"}`),
	}}
	rc := newTestCache(t, replaycache.Config{}, fetcher)

	rr := doGet(rc, "/flaky")
	if rr.Code != 503 {
		t.Fatalf("Status is %d, want 503", rr.Code)
	}
	entries, _ := rc.Store().Entries()
	if len(entries) != 1 || entries[0].Code != 503 {
		t.Fatalf("Non-2xx capture not stored: %v", entries)
	}

	// and replayed
	rr = doGet(rc, "/flaky")
	if fetcher.calls != 1 || rr.Code != 503 {
		t.Fatalf("Replay of non-2xx failed: calls=%d status=%d", fetcher.calls, rr.Code)
	}
}

func TestCorruptIndexFailsRequest(t *testing.T) {
	fetcher := &fakeFetcher{capture: upstreamCapture(200)}
	rc := newTestCache(t, replaycache.Config{}, fetcher)
	if err := os.WriteFile(filepath.Join(rc.Store().Root(), "cache.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	rr := doGet(rc, "/users/1")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d, want 502", rr.Code)
	}
	if fetcher.calls != 0 {
		t.Fatal("Upstream called despite corrupt index")
	}
}

func TestBeforeRequestHook(t *testing.T) {
	fetcher := &fakeFetcher{capture: upstreamCapture(200)}
	rc := newTestCache(t, replaycache.Config{
		OnBeforeRequest: func(r *http.Request) (*http.Request, error) {
			r.Header.Set("Authorization", "Bearer test-token")
			return r, nil
		},
	}, fetcher)

	doGet(rc, "/users/1")

	if fetcher.lastReq == nil {
		t.Fatal("Upstream not called")
	}
	if auth := fetcher.lastReq.Header.Get("Authorization"); auth != "Bearer test-token" {
		t.Fatalf("Hook rewrite lost, Authorization is %q", auth)
	}
}

func TestBeforeRequestHookFailureIsRecovered(t *testing.T) {
	fetcher := &fakeFetcher{capture: upstreamCapture(200)}
	rc := newTestCache(t, replaycache.Config{
		OnBeforeRequest: func(r *http.Request) (*http.Request, error) {
			panic("hook gone wrong")
		},
	}, fetcher)

	rr := doGet(rc, "/users/1")

	if rr.Code != 200 {
		t.Fatalf("Status is %d, want 200", rr.Code)
	}
	if fetcher.calls != 1 {
		t.Fatal("Upstream not called after hook failure")
	}
	if fetcher.lastReq.Method != "GET" || fetcher.lastReq.URL.Path != "/users/1" {
		t.Fatalf("Original request not used: %s %s", fetcher.lastReq.Method, fetcher.lastReq.URL)
	}
}

func TestBadCustomMatcherFallsBack(t *testing.T) {
	fetcher := &fakeFetcher{capture: upstreamCapture(200)}
	rc := newTestCache(t, replaycache.Config{
		MatchBy: func(store.Request, []store.Entry) (*store.Entry, error) {
			return nil, errors.New("always broken")
		},
	}, fetcher)
	seedHit(t, rc)

	rr := doGet(rc, "/users/42")

	if fetcher.calls != 0 {
		t.Fatal("Default matcher fallback did not produce the hit")
	}
	if bodySource(t, rr) != "cache" {
		t.Fatalf("Body is %q, want cached response", rr.Body.String())
	}
}

func TestHeaderFilteringOnBothPaths(t *testing.T) {
	fetcher := &fakeFetcher{capture: store.Capture{
		Code: 200,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"Transfer-Encoding": "chunked",
			"Connection":        "close",
		},
		Body: []byte(`{"source":"upstream"}`),
	}}
	rc := newTestCache(t, replaycache.Config{}, fetcher)

	// fresh path
	rr := doGet(rc, "/users/1")
	if rr.Header().Get("Transfer-Encoding") != "" || rr.Header().Get("Connection") != "" {
		t.Fatalf("Hop-by-hop headers leaked on fresh path: %v", rr.Header())
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatal("Safe header dropped on fresh path")
	}

	// cached path
	rr = doGet(rc, "/users/1")
	if fetcher.calls != 1 {
		t.Fatal("Second request was not a replay")
	}
	if rr.Header().Get("Transfer-Encoding") != "" || rr.Header().Get("Connection") != "" {
		t.Fatalf("Hop-by-hop headers leaked on cached path: %v", rr.Header())
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatal("Safe header dropped on cached path")
	}
}

func TestRequestLogRecordsDecisions(t *testing.T) {
	requestLog := reqlog.NewMemLog()
	fetcher := &fakeFetcher{capture: upstreamCapture(200)}
	rc := newTestCache(t, replaycache.Config{RequestLog: requestLog}, fetcher)

	doGet(rc, "/users/1") // fetch
	doGet(rc, "/users/1") // replay

	recent, err := requestLog.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("Request log has %d records, want 2", len(recent))
	}
	if recent[0].Decision != replaycache.DecisionReplay || recent[1].Decision != replaycache.DecisionFetch {
		t.Fatalf("Decisions are %q then %q", recent[1].Decision, recent[0].Decision)
	}
	if recent[0].EntryID == "" || recent[0].EntryID != recent[1].EntryID {
		t.Fatalf("Entry ids not recorded: %v", recent)
	}
}
