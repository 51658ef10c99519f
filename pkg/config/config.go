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

// Package config assembles the cleaner's settings from defaults, an
// optional YAML file, the environment and command line flags, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	// DefaultPort is used when neither PORT nor --port is given.
	DefaultPort = 8000

	// DefaultModelFile is the model file name inside the model home.
	DefaultModelFile = "u2net.onnx"

	// DefaultModelURL is where the model is downloaded from when absent.
	DefaultModelURL = "https://github.com/danielgatis/rembg/releases/download/v0.0.0/u2net.onnx"

	// DefaultRuntimeLibrary is resolved by the dynamic loader's search path.
	DefaultRuntimeLibrary = "libonnxruntime.so"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvPort           = "PORT"
	EnvToken          = "CLEANER_TOKEN"
	EnvModelHome      = "U2NET_HOME"
	EnvModelPath      = "U2NET_PATH"
	EnvModelURL       = "U2NET_URL"
	EnvRuntimeLibrary = "ONNXRUNTIME_LIB"
	EnvClearExecStack = "CLEAR_EXECSTACK"
	EnvMaxImageSize   = "MAX_IMAGE_SIZE"

	// The following belong to the native numeric libraries loaded
	// alongside the ONNX runtime.
	EnvOMPThreads    = "OMP_NUM_THREADS"
	EnvMKLThreading  = "MKL_THREADING_LAYER"
	EnvGlibcTunables = "GLIBC_TUNABLES"
)

// Config holds every tunable of the cleaner server.
type Config struct {
	BindAddress     string            `json:"bindAddress,omitempty"`
	Port            int               `json:"port,omitempty"`
	Token           string            `json:"token,omitempty"`
	ModelPath       string            `json:"modelPath,omitempty"`
	ModelURL        string            `json:"modelURL,omitempty"`
	RuntimeLibrary  string            `json:"runtimeLibrary,omitempty"`
	ClearExecStack  bool              `json:"clearExecStack,omitempty"`
	IntraOpThreads  int               `json:"intraOpThreads,omitempty"`
	FetchTimeout    metav1.Duration   `json:"fetchTimeout,omitempty"`
	MaxImageSize    resource.Quantity `json:"maxImageSize,omitempty"`
	MaxQueue        int               `json:"maxQueue,omitempty"`
	CacheSize       int               `json:"cacheSize,omitempty"`
	CacheTTL        metav1.Duration   `json:"cacheTTL,omitempty"`
	ShutdownTimeout metav1.Duration   `json:"shutdownTimeout,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BindAddress:     "0.0.0.0",
		Port:            DefaultPort,
		ModelURL:        DefaultModelURL,
		RuntimeLibrary:  DefaultRuntimeLibrary,
		FetchTimeout:    metav1.Duration{Duration: 30 * time.Second},
		MaxImageSize:    resource.MustParse("32Mi"),
		MaxQueue:        16,
		CacheSize:       64,
		CacheTTL:        metav1.Duration{Duration: time.Hour},
		ShutdownTimeout: metav1.Duration{Duration: 60 * time.Second},
	}
}

// Address is the host:port to listen on.
func (c *Config) Address() string {
	return c.BindAddress + ":" + strconv.Itoa(c.Port)
}

// MaxImageBytes is MaxImageSize as a byte count.
func (c *Config) MaxImageBytes() int64 {
	return c.MaxImageSize.Value()
}

// LoadFile overlays the YAML (or JSON) file at path onto cfg.
// Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the environment onto cfg. getenv is usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		cfg.Port = port
	}
	if v := getenv(EnvToken); v != "" {
		cfg.Token = v
	}
	if v := getenv(EnvModelPath); v != "" {
		cfg.ModelPath = v
	} else if v := getenv(EnvModelHome); v != "" && cfg.ModelPath == "" {
		cfg.ModelPath = filepath.Join(v, DefaultModelFile)
	}
	if v := getenv(EnvModelURL); v != "" {
		cfg.ModelURL = v
	}
	if v := getenv(EnvRuntimeLibrary); v != "" {
		cfg.RuntimeLibrary = v
	}
	if v := getenv(EnvClearExecStack); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvClearExecStack, v, err)
		}
		cfg.ClearExecStack = b
	}
	if v := getenv(EnvOMPThreads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvOMPThreads, v, err)
		}
		cfg.IntraOpThreads = n
	}
	if v := getenv(EnvMaxImageSize); v != "" {
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxImageSize, v, err)
		}
		cfg.MaxImageSize = q
	}
	return nil
}

// NativeEnv reports the environment that steers the native libraries,
// for logging at startup.
func NativeEnv(getenv func(string) string) map[string]string {
	ans := map[string]string{}
	for _, name := range []string{EnvOMPThreads, EnvMKLThreading, EnvGlibcTunables} {
		ans[name] = getenv(name)
	}
	return ans
}

// Validate reports the first problem with cfg.
func (c *Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("port %d out of range 1..65535", c.Port)
	case c.IntraOpThreads < 0:
		return fmt.Errorf("intra-op thread count %d must not be negative", c.IntraOpThreads)
	case c.MaxQueue < 1:
		return fmt.Errorf("max queue %d must be positive", c.MaxQueue)
	case c.CacheSize < 1:
		return fmt.Errorf("cache size %d must be positive", c.CacheSize)
	case c.MaxImageSize.Sign() <= 0:
		return fmt.Errorf("max image size %s must be positive", c.MaxImageSize.String())
	case c.FetchTimeout.Duration <= 0:
		return fmt.Errorf("fetch timeout %s must be positive", c.FetchTimeout.Duration)
	case c.ModelPath == "":
		return fmt.Errorf("no model path")
	case c.RuntimeLibrary == "":
		return fmt.Errorf("no ONNX runtime library")
	}
	return nil
}

// Options binds command line flags. Only flags the user actually set
// take effect in Resolve.
type Options struct {
	ConfigFile string

	flags        Config
	maxImageSize string
}

// AddFlags registers the server flags on fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	def := Default()
	o.flags = def
	o.maxImageSize = def.MaxImageSize.String()
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "path to an optional YAML configuration file")
	fs.StringVar(&o.flags.BindAddress, "bind-address", def.BindAddress, "address of the interface to listen on")
	fs.IntVar(&o.flags.Port, "port", def.Port, "port at which to listen for HTTP connections (env "+EnvPort+")")
	fs.StringVar(&o.flags.Token, "token", "", "shared secret expected in the X-Cleaner-Token header (env "+EnvToken+")")
	fs.StringVar(&o.flags.ModelPath, "model", "", "path of the ONNX segmentation model (env "+EnvModelPath+")")
	fs.StringVar(&o.flags.ModelURL, "model-url", def.ModelURL, "URL to download the model from when it is missing (env "+EnvModelURL+")")
	fs.StringVar(&o.flags.RuntimeLibrary, "onnxruntime-lib", def.RuntimeLibrary, "path of the ONNX runtime shared library (env "+EnvRuntimeLibrary+")")
	fs.BoolVar(&o.flags.ClearExecStack, "clear-execstack", false, "clear the executable-stack flag of the ONNX runtime library before loading it (env "+EnvClearExecStack+")")
	fs.IntVar(&o.flags.IntraOpThreads, "intra-op-threads", 0, "threads used inside one inference, 0 for the runtime default (env "+EnvOMPThreads+")")
	fs.DurationVar(&o.flags.FetchTimeout.Duration, "fetch-timeout", def.FetchTimeout.Duration, "timeout for fetching an image_url")
	fs.StringVar(&o.maxImageSize, "max-image-size", o.maxImageSize, "largest accepted input image, as a quantity (env "+EnvMaxImageSize+")")
	fs.IntVar(&o.flags.MaxQueue, "max-queue", def.MaxQueue, "number of distinct images that may wait for inference")
	fs.IntVar(&o.flags.CacheSize, "cache-size", def.CacheSize, "number of results kept in memory")
	fs.DurationVar(&o.flags.CacheTTL.Duration, "cache-ttl", def.CacheTTL.Duration, "how long a cached result is kept")
	fs.DurationVar(&o.flags.ShutdownTimeout.Duration, "shutdown-timeout", def.ShutdownTimeout.Duration, "grace period for in-flight requests on shutdown")
}

var flagAppliers = map[string]func(dst *Config, o *Options) error{
	"bind-address":     func(d *Config, o *Options) error { d.BindAddress = o.flags.BindAddress; return nil },
	"port":             func(d *Config, o *Options) error { d.Port = o.flags.Port; return nil },
	"token":            func(d *Config, o *Options) error { d.Token = o.flags.Token; return nil },
	"model":            func(d *Config, o *Options) error { d.ModelPath = o.flags.ModelPath; return nil },
	"model-url":        func(d *Config, o *Options) error { d.ModelURL = o.flags.ModelURL; return nil },
	"onnxruntime-lib":  func(d *Config, o *Options) error { d.RuntimeLibrary = o.flags.RuntimeLibrary; return nil },
	"clear-execstack":  func(d *Config, o *Options) error { d.ClearExecStack = o.flags.ClearExecStack; return nil },
	"intra-op-threads": func(d *Config, o *Options) error { d.IntraOpThreads = o.flags.IntraOpThreads; return nil },
	"fetch-timeout":    func(d *Config, o *Options) error { d.FetchTimeout = o.flags.FetchTimeout; return nil },
	"max-queue":        func(d *Config, o *Options) error { d.MaxQueue = o.flags.MaxQueue; return nil },
	"cache-size":       func(d *Config, o *Options) error { d.CacheSize = o.flags.CacheSize; return nil },
	"cache-ttl":        func(d *Config, o *Options) error { d.CacheTTL = o.flags.CacheTTL; return nil },
	"shutdown-timeout": func(d *Config, o *Options) error { d.ShutdownTimeout = o.flags.ShutdownTimeout; return nil },
	"max-image-size": func(d *Config, o *Options) error {
		q, err := resource.ParseQuantity(o.maxImageSize)
		if err != nil {
			return fmt.Errorf("invalid --max-image-size %q: %w", o.maxImageSize, err)
		}
		d.MaxImageSize = q
		return nil
	},
}

// Resolve builds the effective configuration: defaults, then the config
// file, then the environment, then the flags that were set on fs.
func (o *Options) Resolve(fs *pflag.FlagSet, getenv func(string) string) (Config, error) {
	cfg := Default()
	if o.ConfigFile != "" {
		if err := LoadFile(o.ConfigFile, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	var errs []error
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := flagAppliers[f.Name]; ok {
			if err := apply(&cfg, o); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if len(errs) > 0 {
		return cfg, errs[0]
	}
	if cfg.ModelPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("no model path and no home directory: %w", err)
		}
		cfg.ModelPath = filepath.Join(home, ".u2net", DefaultModelFile)
	}
	return cfg, cfg.Validate()
}
