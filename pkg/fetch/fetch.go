/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"k8s.io/klog/v2"
)

// maxRedirects matches the redirect budget of net/http's default policy.
const maxRedirects = 10

var (
	// ErrTooLarge means the response body exceeded the configured limit.
	ErrTooLarge = errors.New("response body too large")

	// ErrUnsupportedScheme means the URL is not http or https.
	ErrUnsupportedScheme = errors.New("only http and https URLs are supported")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s returned status %d (%s)", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Fetcher retrieves remote objects over HTTP(S).
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// New makes a Fetcher whose requests time out after timeout and whose
// bodies may not exceed maxBytes. A non-positive maxBytes means no limit.
func New(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return checkScheme(req.URL)
			},
		},
		maxBytes: maxBytes,
	}
}

func checkScheme(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.String())
	}
	return nil
}

// Fetch returns the body of a GET of rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.FetchTo(ctx, rawURL, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchTo streams the body of a GET of rawURL into w and returns the
// number of bytes written.
func (f *Fetcher) FetchTo(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	logger := klog.FromContext(ctx)
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if err := checkScheme(u); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to GET %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{URL: u.Redacted(), StatusCode: resp.StatusCode}
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return 0, fmt.Errorf("%w: %s announced %d bytes, limit is %d", ErrTooLarge, u.Redacted(), resp.ContentLength, f.maxBytes)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("failed to read body of %s: %w", u.Redacted(), err)
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return n, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, u.Redacted(), f.maxBytes)
	}
	logger.V(4).Info("Fetched", "url", u.Redacted(), "bytes", n)
	return n, nil
}
