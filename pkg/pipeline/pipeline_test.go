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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/llm-d-incubation/image-cleaner/pkg/metrics"
	"github.com/llm-d-incubation/image-cleaner/pkg/segment"
)

// halfMask keeps the left half of every image.
func halfMask(ctx context.Context, img image.Image) (*image.Gray, error) {
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := range b.Dy() {
		for x := range b.Dx() / 2 {
			mask.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return mask, nil
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func startPipeline(t *testing.T, seg segment.Segmenter, opts Options) (*Pipeline, *metrics.Metrics, context.CancelFunc) {
	t.Helper()
	if opts.MaxPending == 0 {
		opts.MaxPending = 8
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 8
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Minute
	}
	m := metrics.New(prometheus.NewRegistry())
	p := New(seg, m, opts)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})
	return p, m, cancel
}

func TestRemove(t *testing.T) {
	p, m, _ := startPipeline(t, segment.SegmenterFunc(halfMask), Options{})
	raw := pngBytes(t, 4, 2, color.NRGBA{R: 9, G: 8, B: 7, A: 255})

	res, err := p.Remove(context.Background(), raw)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if res.Cached {
		t.Errorf("first result should not come from the cache")
	}
	if res.ETag != `"`+Digest(raw)+`"` {
		t.Errorf("unexpected ETag %s", res.ETag)
	}
	out, err := png.Decode(bytes.NewReader(res.PNG))
	if err != nil {
		t.Fatalf("result is not a PNG: %v", err)
	}
	if got := color.NRGBAModel.Convert(out.At(0, 0)).(color.NRGBA); got != (color.NRGBA{R: 9, G: 8, B: 7, A: 255}) {
		t.Errorf("foreground pixel: got %v", got)
	}
	if got := color.NRGBAModel.Convert(out.At(3, 1)).(color.NRGBA); got.A != 0 {
		t.Errorf("background pixel should be transparent, got %v", got)
	}

	again, err := p.Remove(context.Background(), raw)
	if err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if !again.Cached || !bytes.Equal(again.PNG, res.PNG) {
		t.Errorf("expected identical cached result")
	}
	if !p.Cached(Digest(raw)) {
		t.Errorf("expected digest to be cached")
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 1 {
		t.Errorf("expected one cache hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.PendingJobs); got != 0 {
		t.Errorf("expected no pending jobs, got %v", got)
	}
}

// gate blocks every Segment call until released.
type gate struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return halfMask(ctx, img)
}

func (g *gate) Close() error { return nil }

func TestRemoveCoalescesIdenticalInputs(t *testing.T) {
	g := newGate()
	p, _, _ := startPipeline(t, g, Options{})
	raw := pngBytes(t, 2, 2, color.White)

	var wg sync.WaitGroup
	results := make([]Result, 5)
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.Remove(context.Background(), raw)
		}()
	}
	<-g.entered
	// Give the other callers time to join the in-flight job.
	time.Sleep(50 * time.Millisecond)
	close(g.release)
	wg.Wait()

	for i := range 5 {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !bytes.Equal(results[i].PNG, results[0].PNG) {
			t.Errorf("caller %d got a different result", i)
		}
	}
	if got := g.calls.Load(); got != 1 {
		t.Errorf("expected one inference, got %d", got)
	}
}

func TestRemoveBusy(t *testing.T) {
	g := newGate()
	p, _, _ := startPipeline(t, g, Options{MaxPending: 1})
	first := pngBytes(t, 2, 2, color.White)
	second := pngBytes(t, 3, 3, color.Black)

	done := make(chan error, 1)
	go func() {
		_, err := p.Remove(context.Background(), first)
		done <- err
	}()
	<-g.entered

	if _, err := p.Remove(context.Background(), second); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	close(g.release)
	if err := <-done; err != nil {
		t.Errorf("first Remove: %v", err)
	}
}

func TestRemoveAbandonedStillCaches(t *testing.T) {
	g := newGate()
	p, _, _ := startPipeline(t, g, Options{})
	raw := pngBytes(t, 2, 2, color.White)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Remove(ctx, raw); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(g.release)

	deadline := time.Now().Add(time.Second)
	for !p.Cached(Digest(raw)) {
		if time.Now().After(deadline) {
			t.Fatalf("abandoned result never reached the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoveUnsupportedImage(t *testing.T) {
	p, _, _ := startPipeline(t, segment.SegmenterFunc(halfMask), Options{})
	_, err := p.Remove(context.Background(), []byte("not an image"))
	if err == nil {
		t.Fatalf("expected an error")
	}
	if p.Cached(Digest([]byte("not an image"))) {
		t.Errorf("failures must not be cached")
	}
}

func TestRemoveSegmenterFailure(t *testing.T) {
	boom := errors.New("boom")
	p, _, _ := startPipeline(t, segment.SegmenterFunc(func(context.Context, image.Image) (*image.Gray, error) {
		return nil, boom
	}), Options{})
	if _, err := p.Remove(context.Background(), pngBytes(t, 2, 2, color.White)); !errors.Is(err, boom) {
		t.Errorf("expected segmenter error, got %v", err)
	}
}

func TestRemoveWrongMaskSize(t *testing.T) {
	p, _, _ := startPipeline(t, segment.SegmenterFunc(func(context.Context, image.Image) (*image.Gray, error) {
		return image.NewGray(image.Rect(0, 0, 1, 1)), nil
	}), Options{})
	if _, err := p.Remove(context.Background(), pngBytes(t, 2, 2, color.White)); err == nil {
		t.Errorf("expected a mask size error")
	}
}

func TestRemoveAfterShutdown(t *testing.T) {
	p, _, cancel := startPipeline(t, segment.SegmenterFunc(halfMask), Options{})
	cancel()
	p.Wait()
	if _, err := p.Remove(context.Background(), pngBytes(t, 2, 2, color.White)); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestRemoveAfterImmediateShutdown(t *testing.T) {
	for i := range 20 {
		p, _, cancel := startPipeline(t, segment.SegmenterFunc(halfMask), Options{})
		cancel()
		p.Wait()
		ctx, stop := context.WithTimeout(context.Background(), time.Second)
		_, err := p.Remove(ctx, pngBytes(t, 2, 2, color.White))
		stop()
		if !errors.Is(err, ErrShuttingDown) {
			t.Fatalf("run %d: expected ErrShuttingDown, got %v", i, err)
		}
	}
}

func TestShutdownFinishesAcceptedWork(t *testing.T) {
	g := newGate()
	p, _, cancel := startPipeline(t, g, Options{})
	first := pngBytes(t, 2, 2, color.White)
	second := pngBytes(t, 3, 3, color.White)

	results := make(chan error, 2)
	go func() {
		_, err := p.Remove(context.Background(), first)
		results <- err
	}()
	waitPending(t, p, 1)
	go func() {
		_, err := p.Remove(context.Background(), second)
		results <- err
	}()
	waitPending(t, p, 2)

	cancel()
	close(g.release)
	for range 2 {
		select {
		case err := <-results:
			if err != nil {
				t.Errorf("accepted Remove failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("accepted Remove never completed after shutdown")
		}
	}
	p.Wait()
}

func TestQueueShutDownBeforeWaitReturns(t *testing.T) {
	for i := range 20 {
		qw := NewQueueAndWorkers("test", 1, func(context.Context, string) (error, bool) { return nil, false })
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		qw.StartWorkers(ctx)
		qw.Wait()
		if !qw.Queue.ShuttingDown() {
			t.Fatalf("run %d: Wait returned before the queue was shut down", i)
		}
	}
}

func waitPending(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		got := len(p.pending)
		p.mu.Unlock()
		if got >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending jobs, have %d", n, got)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDigest(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Digest([]byte("abc")); got != want {
		t.Errorf("Digest: got %s", got)
	}
	if got := ETag(want); got != `"`+want+`"` {
		t.Errorf("ETag: got %s", got)
	}
}
