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

package main

import (
	"os"

	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/llm-d-incubation/image-cleaner/cmd/cleaner/app"
)

func main() {
	// set up signals so we handle the shutdown signal gracefully
	ctx := signals.SetupSignalHandler()

	if err := app.NewCleanerCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
