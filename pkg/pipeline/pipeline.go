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

// Package pipeline turns input images into cutouts on a single
// inference worker.
//
// Every input is identified by the hex SHA-256 digest of its bytes.
// Results are cached by digest, and concurrent requests for the same
// digest share one inference.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/cache"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/image-cleaner/pkg/imaging"
	"github.com/llm-d-incubation/image-cleaner/pkg/metrics"
	"github.com/llm-d-incubation/image-cleaner/pkg/segment"
)

// Name of the pipeline's workqueue.
const Name = "cleaner-pipeline"

var (
	// ErrBusy means too many distinct images are already waiting.
	ErrBusy = errors.New("too many images waiting for inference")

	// ErrShuttingDown means the pipeline no longer accepts work.
	ErrShuttingDown = errors.New("pipeline is shutting down")
)

// Result is the outcome of one removal.
type Result struct {
	PNG []byte
	// ETag is the quoted digest of the input.
	ETag   string
	Cached bool
}

// Options configures a Pipeline.
type Options struct {
	// MaxPending bounds the distinct images waiting for or undergoing
	// inference.
	MaxPending int
	CacheSize  int
	CacheTTL   time.Duration
}

type job struct {
	raw  []byte
	done chan struct{}

	png []byte
	err error
}

// Pipeline owns the inference worker and the result cache.
type Pipeline struct {
	*QueueAndWorkers[string]

	segmenter  segment.Segmenter
	metrics    *metrics.Metrics
	cache      *cache.LRUExpireCache
	cacheTTL   time.Duration
	maxPending int

	mu      sync.Mutex
	pending map[string]*job
	stopped chan struct{}
}

// New makes a Pipeline with exactly one worker. Call Start to launch it.
func New(segmenter segment.Segmenter, m *metrics.Metrics, opts Options) *Pipeline {
	p := &Pipeline{
		segmenter:  segmenter,
		metrics:    m,
		cache:      cache.NewLRUExpireCache(opts.CacheSize),
		cacheTTL:   opts.CacheTTL,
		maxPending: opts.MaxPending,
		pending:    map[string]*job{},
		stopped:    make(chan struct{}),
	}
	p.QueueAndWorkers = NewQueueAndWorkers(Name, 1, p.process)
	return p
}

// Start launches the worker. It stops taking new work when ctx is done
// and finishes what was already queued. A job that slipped in while the
// queue was shutting down fails with ErrShuttingDown.
func (p *Pipeline) Start(ctx context.Context) {
	p.StartWorkers(klog.NewContext(ctx, klog.FromContext(ctx).WithName(Name)))
	go func() {
		defer close(p.stopped)
		p.QueueAndWorkers.Wait()
		p.failPending(ErrShuttingDown)
	}()
}

// Wait blocks until the pipeline started by Start has stopped and every
// accepted Remove call has its answer.
func (p *Pipeline) Wait() {
	<-p.stopped
}

func (p *Pipeline) failPending(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for digest, j := range p.pending {
		j.err = err
		close(j.done)
		delete(p.pending, digest)
	}
	p.metrics.PendingJobs.Set(0)
}

// Digest is the hex SHA-256 of raw.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ETag is the quoted entity tag of the given digest.
func ETag(digest string) string {
	return `"` + digest + `"`
}

// Cached reports whether a result for digest is in the cache.
func (p *Pipeline) Cached(digest string) bool {
	_, ok := p.cache.Get(digest)
	return ok
}

// Remove returns raw with its background removed. If ctx is done before
// the result is ready, Remove returns ctx.Err() but the inference still
// completes and its result is cached.
func (p *Pipeline) Remove(ctx context.Context, raw []byte) (Result, error) {
	digest := Digest(raw)
	if png, ok := p.cache.Get(digest); ok {
		p.metrics.CacheLookups.WithLabelValues("hit").Inc()
		return Result{PNG: png.([]byte), ETag: ETag(digest), Cached: true}, nil
	}
	p.metrics.CacheLookups.WithLabelValues("miss").Inc()

	p.mu.Lock()
	j, ok := p.pending[digest]
	if !ok {
		if p.Queue.ShuttingDown() {
			p.mu.Unlock()
			return Result{}, ErrShuttingDown
		}
		if len(p.pending) >= p.maxPending {
			p.mu.Unlock()
			return Result{}, fmt.Errorf("%w: %d pending", ErrBusy, p.maxPending)
		}
		j = &job{raw: raw, done: make(chan struct{})}
		p.pending[digest] = j
		p.metrics.PendingJobs.Set(float64(len(p.pending)))
		p.Queue.Add(digest)
	}
	p.mu.Unlock()

	select {
	case <-j.done:
		if j.err != nil {
			return Result{}, j.err
		}
		return Result{PNG: j.png, ETag: ETag(digest)}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pipeline) process(ctx context.Context, digest string) (error, bool) {
	logger := klog.FromContext(ctx).WithValues("digest", digest)
	p.mu.Lock()
	j := p.pending[digest]
	p.mu.Unlock()
	if j == nil {
		return nil, false
	}

	var png []byte
	var err error
	if cached, ok := p.cache.Get(digest); ok {
		png = cached.([]byte)
	} else {
		png, err = p.render(klog.NewContext(ctx, logger), j.raw)
		if err == nil {
			p.cache.Add(digest, png, p.cacheTTL)
		}
	}

	p.mu.Lock()
	delete(p.pending, digest)
	p.metrics.PendingJobs.Set(float64(len(p.pending)))
	p.mu.Unlock()
	j.png, j.err = png, err
	close(j.done)

	if errors.Is(err, imaging.ErrUnsupportedImage) || errors.Is(err, imaging.ErrTooManyPixels) {
		logger.V(2).Info("Rejected input", "err", err)
		return nil, false
	}
	return err, false
}

func (p *Pipeline) render(ctx context.Context, raw []byte) ([]byte, error) {
	timer := prometheus.NewTimer(p.metrics.InferenceDuration)
	defer timer.ObserveDuration()

	img, format, err := imaging.Decode(raw)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	mask, err := p.segmenter.Segment(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("segmentation failed: %w", err)
	}
	if mb := mask.Bounds(); mb.Dx() != b.Dx() || mb.Dy() != b.Dy() {
		return nil, fmt.Errorf("segmenter returned a %dx%d mask for a %dx%d image", mb.Dx(), mb.Dy(), b.Dx(), b.Dy())
	}
	png, err := imaging.EncodePNG(imaging.Cutout(img, mask))
	if err != nil {
		return nil, err
	}
	klog.FromContext(ctx).V(3).Info("Removed background", "format", format, "width", b.Dx(), "height", b.Dy(), "bytes", len(png))
	return png, nil
}
