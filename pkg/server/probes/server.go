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

package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/image-cleaner/pkg/api"
)

// Readiness tracks whether the model session can serve requests.
type Readiness struct {
	ready atomic.Bool
}

// Ready reports the current readiness.
func (rd *Readiness) Ready() bool {
	return rd.ready.Load()
}

// ReadyHandler responds with 200 OK if the service is ready,
// otherwise 503 Service Unavailable.
func (rd *Readiness) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if rd.ready.Load() {
		w.WriteHeader(http.StatusOK) // not strictly necessary, but explicit
		fmt.Fprintln(w, "OK")        //nolint:errcheck
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "Service Unavailable") //nolint:errcheck
	}
}

// Watch applies readiness changes received on readyCh until ctx is done,
// at which point the service reports itself unready so that load
// balancers stop routing to it while in-flight requests drain.
func (rd *Readiness) Watch(ctx context.Context, readyCh <-chan bool) {
	logger := klog.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			rd.ready.Store(false)
			logger.Info("context done, readiness set to false")
			return
		case ready := <-readyCh:
			rd.ready.Store(ready)
			logger.Info("readiness changed", "ready", ready)
		}
	}
}

// HealthHandler is the liveness probe. It answers as long as the process
// can serve HTTP at all.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(api.HealthBody{OK: true})
}
