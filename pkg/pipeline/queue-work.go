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
	"context"
	"fmt"
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
)

// QueueAndWorkers is a workqueue and the worker goroutines that pull
// from it. Adding an item that is already queued is a no-op, which is
// what lets identical requests share one unit of work.
type QueueAndWorkers[Item comparable] struct {
	Name       string
	Queue      workqueue.TypedRateLimitingInterface[Item]
	NumWorkers int
	Process    func(ctx context.Context, item Item) (err error, retry bool)

	done sync.WaitGroup
}

// NewQueueAndWorkers makes a new QueueAndWorkers.
// Iff `process` returns `retry==true` then the item will be
// requeued for retry.
func NewQueueAndWorkers[Item comparable](
	name string,
	numWorkers int,
	process func(ctx context.Context, item Item) (err error, retry bool),
) *QueueAndWorkers[Item] {
	return &QueueAndWorkers[Item]{
		Name: name,
		Queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[Item](),
			workqueue.TypedRateLimitingQueueConfig[Item]{
				Name: name,
			}),
		NumWorkers: numWorkers,
		Process:    process,
	}
}

// StartWorkers launches the workers. When ctx is done the queue is shut
// down; workers finish what is already queued and then exit. Items are
// processed with a context that is not canceled along with ctx, so the
// drain is not cut short.
func (ctl *QueueAndWorkers[Item]) StartWorkers(ctx context.Context) {
	logger := klog.FromContext(ctx)
	ctl.done.Add(1)
	go func() {
		defer ctl.done.Done()
		<-ctx.Done()
		logger.V(2).Info("Shutting down queue", "queue", ctl.Name, "remaining", ctl.Queue.Len())
		ctl.Queue.ShutDown()
	}()
	for workerIdx := range ctl.NumWorkers {
		workLogger := logger.WithValues("worker", workerIdx)
		workCtx := klog.NewContext(context.WithoutCancel(ctx), workLogger)
		workLogger.V(3).Info("Launching worker")
		ctl.done.Add(1)
		go func() {
			defer ctl.done.Done()
			// Returns only once the queue is shut down and empty.
			ctl.runWorker(workCtx)
			workLogger.V(3).Info("Finished worker")
		}()
	}
	logger.V(1).Info("Started workers", "queue", ctl.Name, "numWorkers", ctl.NumWorkers)
}

// Wait blocks until the queue has been shut down and every worker has
// exited.
func (ctl *QueueAndWorkers[Item]) Wait() {
	ctl.done.Wait()
}

func (ctl *QueueAndWorkers[Item]) runWorker(ctx context.Context) {
	for ctl.processNextWorkItem(ctx) {
	}
}

func (ctl *QueueAndWorkers[Item]) processNextWorkItem(ctx context.Context) bool {
	logger := klog.FromContext(ctx)
	item, shutdown := ctl.Queue.Get()
	if shutdown {
		return false
	}
	defer ctl.Queue.Done(item)
	logger.V(4).Info("Popped workqueue item", "item", item, "itemType", fmt.Sprintf("%T", item))
	var err error
	var retry bool
	defer func() {
		if err == nil {
			if retry {
				ctl.Queue.AddRateLimited(item)
				logger.V(4).Info("Processed workqueue item successfully, requeued for follow-up.", "item", item)
			} else {
				ctl.Queue.Forget(item)
				logger.V(4).Info("Processed workqueue item successfully.", "item", item)
			}
		} else if retry {
			ctl.Queue.AddRateLimited(item)
			logger.V(4).Info("Encountered transient error while processing workqueue item; this will be retried later", "item", item, "err", err)
		} else {
			ctl.Queue.Forget(item)
			logger.Error(err, "Failed to process workqueue item", "item", item)
		}
	}()
	err, retry = ctl.Process(ctx, item)
	return true
}
