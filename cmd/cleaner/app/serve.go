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

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/image-cleaner/pkg/config"
	"github.com/llm-d-incubation/image-cleaner/pkg/execstack"
	"github.com/llm-d-incubation/image-cleaner/pkg/fetch"
	"github.com/llm-d-incubation/image-cleaner/pkg/metrics"
	"github.com/llm-d-incubation/image-cleaner/pkg/pipeline"
	"github.com/llm-d-incubation/image-cleaner/pkg/segment"
	"github.com/llm-d-incubation/image-cleaner/pkg/server/cleaner"
	"github.com/llm-d-incubation/image-cleaner/pkg/server/probes"
)

// modelDownloadTimeout bounds the one-time model download at startup.
const modelDownloadTimeout = 30 * time.Minute

// ServeOptions holds the flags of the serve command.
type ServeOptions struct {
	Config config.Options
}

// NewServeCommand creates the serve command.
//
// The listening port comes from PORT (default 8000) unless --port is
// given, and the server binds all interfaces. Exactly one inference runs
// at a time.
func NewServeCommand() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the background removal endpoint",
		Long: `Serve the background removal endpoint.

Before loading the model, serve can clear the executable-stack flag of the
ONNX runtime library (--clear-execstack). If the model file is missing it
is downloaded from --model-url. The process stops on SIGTERM or SIGINT
after in-flight requests finish.`,
		Example: `  # Listen on $PORT, or 8000
  cleaner serve --onnxruntime-lib /opt/onnxruntime/lib/libonnxruntime.so

  # Require a token and use four threads per inference
  CLEANER_TOKEN=s3cret OMP_NUM_THREADS=4 cleaner serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.Flags(), opts)
		},
	}

	opts.Config.AddFlags(cmd.Flags())

	return cmd
}

func runServe(ctx context.Context, flags *pflag.FlagSet, opts *ServeOptions) error {
	logger := klog.FromContext(ctx)

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "token" {
			return
		}
		logger.V(1).Info("Flag", "name", f.Name, "value", f.Value.String())
	})

	cfg, err := opts.Config.Resolve(flags, os.Getenv)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("Configuration", "address", cfg.Address(), "model", cfg.ModelPath,
		"runtimeLibrary", cfg.RuntimeLibrary, "tokenRequired", cfg.Token != "",
		"maxImageSize", cfg.MaxImageSize.String(), "maxQueue", cfg.MaxQueue,
		"nativeEnv", config.NativeEnv(os.Getenv))

	if err := prepareRuntimeLibrary(ctx, cfg); err != nil {
		return err
	}

	modelCtx, cancelModel := context.WithTimeout(ctx, modelDownloadTimeout)
	err = segment.EnsureModel(modelCtx, cfg.ModelPath, cfg.ModelURL, fetch.New(modelDownloadTimeout, 0))
	cancelModel()
	if err != nil {
		return err
	}

	seg, err := segment.NewONNX(ctx, segment.ONNXOptions{
		RuntimeLibrary: cfg.RuntimeLibrary,
		ModelPath:      cfg.ModelPath,
		IntraOpThreads: cfg.IntraOpThreads,
	})
	if err != nil {
		return err
	}
	defer seg.Close() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := pipeline.New(seg, m, pipeline.Options{
		MaxPending: cfg.MaxQueue,
		CacheSize:  cfg.CacheSize,
		CacheTTL:   cfg.CacheTTL.Duration,
	})
	p.Start(ctx)

	var readiness probes.Readiness
	readyCh := make(chan bool, 1)
	go readiness.Watch(ctx, readyCh)
	readyCh <- true

	handler := cleaner.NewHandler(ctx, cleaner.Options{
		Token:         cfg.Token,
		MaxImageBytes: cfg.MaxImageBytes(),
		Fetcher:       fetch.New(cfg.FetchTimeout.Duration, cfg.MaxImageBytes()),
		Remover:       p,
		Metrics:       m,
		Gatherer:      reg,
		Readiness:     &readiness,
	})

	err = cleaner.Run(ctx, cfg.Address(), handler, cfg.ShutdownTimeout.Duration)
	cancel()
	p.Wait()
	return err
}

// prepareRuntimeLibrary clears the executable-stack flag of the runtime
// library when asked to, and otherwise warns if the flag is set.
func prepareRuntimeLibrary(ctx context.Context, cfg config.Config) error {
	logger := klog.FromContext(ctx).WithValues("library", cfg.RuntimeLibrary)
	if cfg.ClearExecStack {
		changed, err := execstack.Clear(cfg.RuntimeLibrary)
		switch {
		case errors.Is(err, execstack.ErrNoGNUStack):
			logger.Info("Runtime library has no PT_GNU_STACK header; nothing to clear")
		case err != nil:
			return fmt.Errorf("failed to clear executable stack of %q: %w", cfg.RuntimeLibrary, err)
		case changed:
			logger.Info("Cleared executable-stack flag of runtime library")
		default:
			logger.V(1).Info("Runtime library already has a non-executable stack")
		}
		return nil
	}
	// A bare library name is resolved by the loader; there is no file to look at.
	if _, err := os.Stat(cfg.RuntimeLibrary); err != nil {
		return nil
	}
	st, err := execstack.Inspect(cfg.RuntimeLibrary)
	if err != nil {
		logger.V(1).Info("Could not inspect runtime library", "err", err)
		return nil
	}
	if st.Executable {
		logger.Info("Runtime library requests an executable stack; loading may fail on hardened hosts, consider --clear-execstack",
			config.EnvGlibcTunables, os.Getenv(config.EnvGlibcTunables))
	}
	return nil
}
