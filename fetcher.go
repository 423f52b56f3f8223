package replaycache

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/replay-cache/replay-cache/store"
)

// Fetcher issues the proxied upstream call. A transport-level failure is
// an error; a non-2xx status is still a successful capture.
type Fetcher interface {
	Do(req *http.Request) (*store.Capture, error)
}

type upstreamFetcher struct {
	client *http.Client
}

func newUpstreamFetcher(timeout time.Duration, proxyURL *url.URL, insecureTLS bool) *upstreamFetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &upstreamFetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (f *upstreamFetcher) Do(req *http.Request) (*store.Capture, error) {
	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &store.Capture{
		Code:    res.StatusCode,
		Headers: flattenHeader(res.Header),
		Body:    body,
	}, nil
}

// flattenHeader joins multi-valued headers so they fit the stored
// single-value-per-name header map.
func flattenHeader(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for name, values := range h {
		headers[name] = strings.Join(values, ", ")
	}
	return headers
}
