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

package segment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/image-cleaner/pkg/fetch"
)

// EnsureModel makes sure a model file exists at path, downloading it from
// url when it does not. The download lands in a temporary file in the
// same directory and is renamed into place, so a partial download is
// never mistaken for a model.
func EnsureModel(ctx context.Context, path, url string, fetcher *fetch.Fetcher) error {
	logger := klog.FromContext(ctx)
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return fmt.Errorf("model path %q is a directory", path)
		}
		logger.V(2).Info("Model present", "path", path, "bytes", info.Size())
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if url == "" {
		return fmt.Errorf("model %q is missing and no download URL is configured", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.partial")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	logger.Info("Downloading model", "url", url, "path", path)
	n, err := fetcher.FetchTo(ctx, url, tmp)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to download model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move model into place: %w", err)
	}
	logger.Info("Downloaded model", "path", path, "bytes", n)
	return nil
}
