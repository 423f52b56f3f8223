// Package replaycache is a record-and-replay HTTP intercepting proxy.
// It serves previously captured responses for matching requests, and
// otherwise forwards to the upstream API and persists the response for
// future reuse.
package replaycache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/replay-cache/replay-cache/pkg/events"
	"github.com/replay-cache/replay-cache/pkg/headerfilter"
	"github.com/replay-cache/replay-cache/pkg/matcher"
	"github.com/replay-cache/replay-cache/reqlog"
	"github.com/replay-cache/replay-cache/store"

	"github.com/rs/zerolog"
)

type Config struct {
	// URL of the upstream API to record from.
	UpstreamURL url.URL
	// Directory holding the index file and side-car files.
	CachePath string
	// Name of the index file inside CachePath.
	IndexFile string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Sink for structured status events. Defaults to a sink backed by
	// the logger.
	Sink events.Sink
	// Optional custom match function. It is treated as untrusted: on
	// error or panic the default matcher is used for that lookup.
	MatchBy store.MatchFunc
	// Optional hook for rewriting the outgoing upstream request. On
	// failure the original request is used.
	OnBeforeRequest func(*http.Request) (*http.Request, error)
	// Fetcher for upstream calls. A default HTTP client fetcher is
	// built from the settings below if nil.
	Fetcher Fetcher
	// Timeout for upstream calls (default 30s).
	UpstreamTimeout time.Duration
	// Optional outbound proxy for upstream calls.
	ProxyURL *url.URL
	// Skip TLS verification of the upstream (self-signed APIs).
	InsecureTLS bool
	// Optional decision log.
	RequestLog reqlog.Provider
	// Initial mode flags.
	BypassCache  bool
	OverrideMode bool
	SkipRemote   bool
}

// ReplayCache is the per-request decision engine. It implements
// http.Handler and decides whether to serve from the store, refresh from
// upstream, or reject.
type ReplayCache struct {
	store           *store.Store
	upstreamURL     url.URL
	fetcher         Fetcher
	onBeforeRequest func(*http.Request) (*http.Request, error)
	requestLog      reqlog.Provider
	sink            events.Sink
	log             zerolog.Logger
	modes           Modes
}

// Decisions recorded per request.
const (
	DecisionReplay   = "replay"
	DecisionNotFound = "not-found"
	DecisionRefresh  = "refresh"
	DecisionFetch    = "fetch"
	DecisionBypass   = "bypass"
	DecisionError    = "error"
)

// New initializes the proxy and its store. The index file is created if
// absent.
func New(config Config) (*ReplayCache, error) {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("upstream", config.UpstreamURL.String()).
		Logger()

	sink := config.Sink
	if sink == nil {
		sink = events.NewLogSink(logger)
	}

	indexFile := config.IndexFile
	if indexFile == "" {
		indexFile = "cache.json"
	}

	s, err := store.Open(config.CachePath, indexFile, matcher.WithFallback(config.MatchBy, sink), sink, logger)
	if err != nil {
		return nil, err
	}

	fetcher := config.Fetcher
	if fetcher == nil {
		timeout := config.UpstreamTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		fetcher = newUpstreamFetcher(timeout, config.ProxyURL, config.InsecureTLS)
	}

	rc := &ReplayCache{
		store:           s,
		upstreamURL:     config.UpstreamURL,
		fetcher:         fetcher,
		onBeforeRequest: config.OnBeforeRequest,
		requestLog:      config.RequestLog,
		sink:            sink,
		log:             logger,
	}
	rc.modes.SetBypassCache(config.BypassCache)
	rc.modes.SetOverrideMode(config.OverrideMode)
	rc.modes.SetSkipRemote(config.SkipRemote)
	return rc, nil
}

// Modes returns the live toggle surface.
func (rc *ReplayCache) Modes() *Modes {
	return &rc.modes
}

// Store returns the underlying cache store.
func (rc *ReplayCache) Store() *store.Store {
	return rc.store
}

// ServeHTTP implements the http.Handler interface. It is the main entry
// point of the proxy.
func (rc *ReplayCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rc.fail(w, r, fmt.Errorf("read request body: %w", err))
		return
	}
	req := store.Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Body:   string(body),
	}
	modes := rc.modes.Snapshot()

	cached, matched, err := rc.store.Lookup(req)
	if err != nil {
		rc.fail(w, r, err)
		return
	}
	hit := cached != nil

	switch {
	case modes.SkipRemote:
		if hit {
			rc.serveCached(w, r, req, cached)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
		rc.record(req, DecisionNotFound, http.StatusNotFound, "")
		rc.logRequest(r, DecisionNotFound, http.StatusNotFound)
	case modes.OverrideMode && !modes.BypassCache:
		rc.fetchAndServe(w, r, req, body, matched, true, DecisionRefresh)
	case hit && !modes.BypassCache:
		rc.serveCached(w, r, req, cached)
	default:
		decision := DecisionFetch
		save := !modes.BypassCache
		if !save {
			decision = DecisionBypass
		}
		rc.fetchAndServe(w, r, req, body, matched, save, decision)
	}
}

// fetchAndServe calls upstream, optionally persists the capture (reusing
// the matched entry's id so a refresh replaces instead of duplicating),
// and serves the fresh response.
func (rc *ReplayCache) fetchAndServe(w http.ResponseWriter, r *http.Request, req store.Request, body []byte, matched *store.Entry, save bool, decision string) {
	outgoing, err := rc.buildUpstreamRequest(r, body)
	if err != nil {
		rc.fail(w, r, err)
		return
	}
	outgoing = rc.applyHook(outgoing)

	capture, err := rc.fetcher.Do(outgoing)
	if err != nil {
		rc.fail(w, r, fmt.Errorf("upstream fetch: %w", err))
		return
	}

	entryID := ""
	if save {
		entry, err := rc.store.Save(req, *capture, matched)
		if err != nil {
			rc.fail(w, r, fmt.Errorf("save capture: %w", err))
			return
		}
		entryID = entry.ID
		rc.sink.Emit(events.Event{
			Kind:    events.KindSuccess,
			Message: "captured upstream response",
			Fields:  map[string]string{"id": entryID, "url": req.URL},
		})
	}

	rc.serveFresh(w, capture)
	rc.record(req, decision, capture.Code, entryID)
	rc.logRequest(r, decision, capture.Code)
}

// buildUpstreamRequest rebuilds the incoming request against the upstream
// base URL.
func (rc *ReplayCache) buildUpstreamRequest(r *http.Request, body []byte) (*http.Request, error) {
	target := rc.upstreamURL.String() + r.URL.RequestURI()
	req, err := http.NewRequest(r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyRequestHeader(req.Header, r.Header)
	req.Host = rc.upstreamURL.Host
	return req, nil
}

// applyHook runs the onBeforeRequest hook. Hook failure must never abort
// the request: on error or panic the original request is used.
func (rc *ReplayCache) applyHook(outgoing *http.Request) *http.Request {
	if rc.onBeforeRequest == nil {
		return outgoing
	}
	rewritten, err := runHookSafely(rc.onBeforeRequest, outgoing)
	if err != nil || rewritten == nil {
		rc.sink.Emit(events.Event{
			Kind:    events.KindError,
			Message: "before-request hook failed, using original request",
			Err:     err,
		})
		return outgoing
	}
	return rewritten
}

func runHookSafely(hook func(*http.Request) (*http.Request, error), r *http.Request) (req *http.Request, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("before-request hook panic: %v", rec)
		}
	}()
	return hook(r)
}

func (rc *ReplayCache) serveCached(w http.ResponseWriter, r *http.Request, req store.Request, m *store.Materialized) {
	for _, name := range headerfilter.Forwardable(m.Headers) {
		w.Header().Set(name, m.Headers[name])
	}
	if m.Code != 0 {
		w.WriteHeader(m.Code)
	}
	if body := m.BodyBytes(); body != nil {
		if _, err := w.Write(body); err != nil {
			rc.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	rc.record(req, DecisionReplay, m.Code, m.ID)
	rc.logRequest(r, DecisionReplay, m.Code)
}

func (rc *ReplayCache) serveFresh(w http.ResponseWriter, capture *store.Capture) {
	for _, name := range headerfilter.Forwardable(capture.Headers) {
		w.Header().Set(name, capture.Headers[name])
	}
	w.WriteHeader(capture.Code)
	if len(capture.Body) > 0 {
		if _, err := w.Write(capture.Body); err != nil {
			rc.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
}

// fail is the per-request last line of defense: the error is reported and
// the client gets a generic upstream-error response.
func (rc *ReplayCache) fail(w http.ResponseWriter, r *http.Request, err error) {
	rc.sink.Emit(events.Event{
		Kind:    events.KindError,
		Message: "request failed",
		Err:     err,
		Fields:  map[string]string{"method": r.Method, "url": r.URL.RequestURI()},
	})
	http.Error(w, "upstream error", http.StatusBadGateway)
	rc.record(store.Request{Method: r.Method, URL: r.URL.RequestURI()}, DecisionError, http.StatusBadGateway, "")
	rc.logRequest(r, DecisionError, http.StatusBadGateway)
}

func (rc *ReplayCache) record(req store.Request, decision string, status int, entryID string) {
	if rc.requestLog == nil {
		return
	}
	err := rc.requestLog.Put(reqlog.Record{
		Method:    req.Method,
		URL:       req.URL,
		Decision:  decision,
		Status:    status,
		EntryID:   entryID,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		rc.log.Warn().Err(err).Msg("Could not record request")
	}
}

func (rc *ReplayCache) logRequest(r *http.Request, decision string, status int) {
	rc.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.RequestURI()).
		Str("decision", decision).
		Int("status", status).
		Msg("Sending response to client")
}

// copyRequestHeader copies client headers onto the outgoing upstream
// request, dropping upstream-proxy headers some servers reject.
func copyRequestHeader(dst, src http.Header) {
	for k, vv := range src {
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
