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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func envFrom(m map[string]string) func(string) string {
	return func(name string) string { return m[name] }
}

func newFlags(t *testing.T, args ...string) (*Options, *pflag.FlagSet) {
	t.Helper()
	var o Options
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return &o, fs
}

func TestResolveDefaults(t *testing.T) {
	o, fs := newFlags(t)
	cfg, err := o.Resolve(fs, envFrom(map[string]string{EnvModelHome: "/models"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("expected port %d, got %d", DefaultPort, cfg.Port)
	}
	if got := cfg.Address(); got != "0.0.0.0:8000" {
		t.Errorf("expected address 0.0.0.0:8000, got %s", got)
	}
	if cfg.ModelPath != filepath.Join("/models", DefaultModelFile) {
		t.Errorf("unexpected model path %q", cfg.ModelPath)
	}
	if cfg.MaxImageBytes() != 32<<20 {
		t.Errorf("expected 32Mi, got %d", cfg.MaxImageBytes())
	}
	if cfg.Token != "" {
		t.Errorf("expected no token, got %q", cfg.Token)
	}
}

func TestResolvePrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cleaner.yaml")
	content := `
port: 9000
token: from-file
maxQueue: 4
fetchTimeout: 5s
modelPath: /file/model.onnx
`
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	o, fs := newFlags(t, "--config", file, "--max-queue", "2")
	cfg, err := o.Resolve(fs, envFrom(map[string]string{
		EnvPort:       "8081",
		EnvOMPThreads: "3",
	}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Port != 8081 {
		t.Errorf("env should override file port, got %d", cfg.Port)
	}
	if cfg.Token != "from-file" {
		t.Errorf("expected token from file, got %q", cfg.Token)
	}
	if cfg.MaxQueue != 2 {
		t.Errorf("flag should override file max queue, got %d", cfg.MaxQueue)
	}
	if cfg.FetchTimeout.Duration != 5*time.Second {
		t.Errorf("expected fetch timeout 5s, got %s", cfg.FetchTimeout.Duration)
	}
	if cfg.IntraOpThreads != 3 {
		t.Errorf("expected 3 intra-op threads, got %d", cfg.IntraOpThreads)
	}
	if cfg.ModelPath != "/file/model.onnx" {
		t.Errorf("unexpected model path %q", cfg.ModelPath)
	}
}

func TestResolveFlagOverridesEnv(t *testing.T) {
	o, fs := newFlags(t, "--port", "7000", "--max-image-size", "1Mi", "--model", "/m.onnx")
	cfg, err := o.Resolve(fs, envFrom(map[string]string{EnvPort: "8081", EnvMaxImageSize: "4Mi"}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("expected flag port 7000, got %d", cfg.Port)
	}
	if cfg.MaxImageBytes() != 1<<20 {
		t.Errorf("expected 1Mi, got %d", cfg.MaxImageBytes())
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{name: "bad port env", env: map[string]string{EnvPort: "eighty"}},
		{name: "port out of range", env: map[string]string{EnvPort: "70000"}},
		{name: "bad execstack env", env: map[string]string{EnvClearExecStack: "maybe"}},
		{name: "negative threads", env: map[string]string{EnvOMPThreads: "-1"}},
		{name: "bad quantity flag", args: []string{"--max-image-size", "lots"}},
		{name: "zero queue", args: []string{"--max-queue", "0"}},
		{name: "missing config file", args: []string{"--config", "/does/not/exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--model", "/m.onnx"}, tt.args...)
			o, fs := newFlags(t, args...)
			if _, err := o.Resolve(fs, envFrom(tt.env)); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(file, []byte("prot: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	if err := LoadFile(file, &cfg); err == nil {
		t.Errorf("expected unknown key to be rejected")
	}
}

func TestNativeEnv(t *testing.T) {
	got := NativeEnv(envFrom(map[string]string{EnvOMPThreads: "1", EnvMKLThreading: "GNU"}))
	if got[EnvOMPThreads] != "1" || got[EnvMKLThreading] != "GNU" {
		t.Errorf("unexpected native env %v", got)
	}
	if v, ok := got[EnvGlibcTunables]; !ok || v != "" {
		t.Errorf("expected empty %s entry, got %q (present=%v)", EnvGlibcTunables, v, ok)
	}
}
