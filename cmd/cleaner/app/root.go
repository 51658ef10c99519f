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
	"flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

const (
	// cliName is the name of the binary.
	cliName = "cleaner"

	cliDescription = "cleaner - image background removal service"
)

// NewCleanerCommand builds the root command with all subcommands.
// The klog flags (-v, --logtostderr, ...) are available on every
// subcommand.
func NewCleanerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `cleaner serves an HTTP endpoint that removes the background of images
with a salient object segmentation model run by the ONNX runtime.

It also carries the build-time helpers used when packaging the service
into a container image.`,
		SilenceUsage: true,
	}

	goFlags := flag.NewFlagSet(cliName, flag.ContinueOnError)
	klog.InitFlags(goFlags)
	cmd.PersistentFlags().AddGoFlagSet(goFlags)

	cmd.AddCommand(
		NewServeCommand(),
		NewExecStackCommand(),
		NewVersionCommand(),
	)
	return cmd
}
