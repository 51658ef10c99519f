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

package cleaner

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/image-cleaner/pkg/api"
	"github.com/llm-d-incubation/image-cleaner/pkg/fetch"
	"github.com/llm-d-incubation/image-cleaner/pkg/imaging"
	"github.com/llm-d-incubation/image-cleaner/pkg/metrics"
	"github.com/llm-d-incubation/image-cleaner/pkg/pipeline"
	"github.com/llm-d-incubation/image-cleaner/pkg/server/probes"
)

// formOverhead is allowed on top of the image size for the rest of a
// multipart body.
const formOverhead = 1 << 20

// Remover is the part of the pipeline the handlers use.
type Remover interface {
	Remove(ctx context.Context, raw []byte) (pipeline.Result, error)
}

// Fetcher retrieves an image_url.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Options are the dependencies of the handler.
type Options struct {
	// Token, when not empty, must be presented in api.TokenHeader.
	Token         string
	MaxImageBytes int64
	Fetcher       Fetcher
	Remover       Remover
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Readiness     *probes.Readiness
}

// requestError carries the status and detail of a failed request.
type requestError struct {
	status int
	detail string
}

func (e *requestError) Error() string { return e.detail }

func newRequestError(status int, format string, args ...any) *requestError {
	return &requestError{status: status, detail: fmt.Sprintf(format, args...)}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorBody{Detail: detail})
}

// NewHandler builds the HTTP handler of the cleaner service.
func NewHandler(ctx context.Context, opts Options) http.Handler {
	logger := klog.FromContext(ctx).WithName("cleaner-server")
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+api.HealthPath, probes.HealthHandler)
	mux.HandleFunc("GET "+api.ReadyPath, opts.Readiness.ReadyHandler)
	mux.Handle("GET "+api.MetricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	clean := promhttp.InstrumentHandlerCounter(opts.Metrics.Requests, newCleanHandler(logger, opts))
	mux.Handle("GET "+api.CleanPath, clean)
	mux.Handle("POST "+api.CleanPath, clean)

	return otelhttp.NewHandler(mux, "cleaner")
}

func newCleanHandler(logger klog.Logger, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close() //nolint:errcheck
		ctx := r.Context()

		if opts.Token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(api.TokenHeader)), []byte(opts.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		raw, source, err := readInput(ctx, w, r, opts)
		if err != nil {
			var re *requestError
			if !errors.As(err, &re) {
				re = newRequestError(http.StatusInternalServerError, "%s", err.Error())
			}
			logger.V(2).Info("Rejected request", "status", re.status, "detail", re.detail)
			writeError(w, re.status, re.detail)
			return
		}

		etag := pipeline.ETag(pipeline.Digest(raw))
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			w.Header().Set("ETag", etag)
			w.Header().Set("Cache-Control", api.CacheControl)
			w.WriteHeader(http.StatusNotModified)
			return
		}

		res, err := opts.Remover.Remove(ctx, raw)
		if err != nil {
			status, detail := removeErrorStatus(err)
			if status >= 500 {
				logger.Error(err, "Failed to remove background", "source", source, "bytes", len(raw))
			} else {
				logger.V(2).Info("Rejected image", "source", source, "err", err)
			}
			if status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "1")
			}
			writeError(w, status, detail)
			return
		}

		logger.V(3).Info("Removed background", "source", source, "etag", res.ETag, "cached", res.Cached, "bytes", len(res.PNG))
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("ETag", res.ETag)
		w.Header().Set("Cache-Control", api.CacheControl)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.PNG)
	}
}

// readInput returns the image bytes of the request, from image_url if
// given (form first, then query) and else from the uploaded file.
func readInput(ctx context.Context, w http.ResponseWriter, r *http.Request, opts Options) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, opts.MaxImageBytes+formOverhead)
	if err := parseForm(r, opts.MaxImageBytes); err != nil {
		return nil, "", err
	}

	imageURL := r.PostFormValue(api.ImageURLParam)
	if imageURL == "" {
		imageURL = r.URL.Query().Get(api.ImageURLParam)
	}
	if imageURL != "" {
		raw, err := opts.Fetcher.Fetch(ctx, imageURL)
		if err != nil {
			opts.Metrics.FetchFailures.Inc()
			return nil, "url", fetchError(err)
		}
		return raw, "url", nil
	}

	if r.MultipartForm != nil {
		if files := r.MultipartForm.File[api.FileField]; len(files) > 0 {
			fh := files[0]
			if fh.Size > opts.MaxImageBytes {
				return nil, "", newRequestError(http.StatusRequestEntityTooLarge, "file exceeds %d bytes", opts.MaxImageBytes)
			}
			f, err := fh.Open()
			if err != nil {
				return nil, "", fmt.Errorf("failed to open uploaded file: %w", err)
			}
			defer f.Close() //nolint:errcheck
			raw, err := io.ReadAll(f)
			if err != nil {
				return nil, "", fmt.Errorf("failed to read uploaded file: %w", err)
			}
			return raw, "file", nil
		}
	}
	return nil, "", newRequestError(http.StatusBadRequest, "provide %s or %s", api.ImageURLParam, api.FileField)
}

func parseForm(r *http.Request, maxImageBytes int64) error {
	var err error
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(maxImageBytes)
	} else {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return newRequestError(http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", mbe.Limit)
	}
	return newRequestError(http.StatusBadRequest, "invalid form: %s", err.Error())
}

func fetchError(err error) error {
	var se *fetch.StatusError
	switch {
	case errors.Is(err, fetch.ErrUnsupportedScheme):
		return newRequestError(http.StatusBadRequest, "%s", err.Error())
	case errors.Is(err, fetch.ErrTooLarge):
		return newRequestError(http.StatusRequestEntityTooLarge, "%s", err.Error())
	case errors.As(err, &se):
		return newRequestError(http.StatusBadGateway, "fetching %s failed with status %d", api.ImageURLParam, se.StatusCode)
	case errors.Is(err, context.Canceled):
		return newRequestError(http.StatusServiceUnavailable, "request canceled")
	default:
		return newRequestError(http.StatusBadGateway, "fetching %s failed: %s", api.ImageURLParam, err.Error())
	}
}

func removeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, imaging.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, imaging.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request canceled"
	default:
		return http.StatusInternalServerError, "background removal failed"
	}
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// Run serves handler on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	logger := klog.FromContext(ctx).WithName("cleaner-server")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Setup graceful termination
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutting down")

		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error(err, "failed to gracefully shutdown")
		}
	}()

	logger.Info("starting server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve error: %w", err)
	}

	// ListenAndServe returns as soon as Shutdown begins; wait for
	// in-flight requests.
	<-shutdownDone
	logger.Info("server stopped")
	return nil
}
