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

package api

// The cleaner service removes the background of an image.
// A client supplies the image either as a multipart upload in the field
// named by FileField, or by reference through ImageURLParam (as a form
// value or a query parameter). The response is a PNG whose alpha channel
// is the predicted foreground mask.

// HealthPath is the liveness endpoint. It always answers `{"ok": true}`.
const HealthPath = "/healthz"

// ReadyPath answers 200 once the model session is usable, 503 before.
const ReadyPath = "/readyz"

// CleanPath is the background removal endpoint. It accepts GET and POST.
const CleanPath = "/clean"

// MetricsPath serves Prometheus metrics.
const MetricsPath = "/metrics"

// TokenHeader carries the shared secret when the server is configured
// with one.
const TokenHeader = "X-Cleaner-Token"

// ImageURLParam names the form field or query parameter holding the URL
// of the image to fetch.
const ImageURLParam = "image_url"

// FileField is the multipart field holding an uploaded image.
const FileField = "file"

// CacheControl is sent with every successful result. Results are keyed
// by the digest of their input, so they never change.
const CacheControl = "public, max-age=31536000, immutable"

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Detail string `json:"detail"`
}

// HealthBody is the JSON body of a liveness response.
type HealthBody struct {
	OK bool `json:"ok"`
}
