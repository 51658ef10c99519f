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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/llm-d-incubation/image-cleaner/pkg/execstack"
)

// ExecStackOptions holds the flags of the execstack command.
type ExecStackOptions struct {
	// Check only reports, and fails if any file requests an executable stack.
	Check bool
}

// NewExecStackCommand creates the execstack command, the build-time
// counterpart of --clear-execstack.
//
// Usage:
//
//	cleaner execstack [--check] FILE...
func NewExecStackCommand() *cobra.Command {
	opts := &ExecStackOptions{}

	cmd := &cobra.Command{
		Use:   "execstack FILE...",
		Short: "Clear the executable-stack flag of ELF shared objects",
		Long: `Clear the PF_X bit of the PT_GNU_STACK program header of each FILE,
so that loaders which refuse executable stacks accept the object.
Files that already have a non-executable stack are left untouched.`,
		Example: `  # Patch the ONNX runtime shipped in the image
  cleaner execstack /opt/onnxruntime/lib/libonnxruntime.so.1.20.1

  # Verify without modifying
  cleaner execstack --check /opt/onnxruntime/lib/libonnxruntime.so.1.20.1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExecStack(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Check, "check", false,
		"only report; fail if any file requests an executable stack")

	return cmd
}

func runExecStack(cmd *cobra.Command, opts *ExecStackOptions, paths []string) error {
	out := cmd.OutOrStdout()
	var errs []error
	for _, path := range paths {
		if opts.Check {
			st, err := execstack.Inspect(path)
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			case !st.HasGNUStack:
				fmt.Fprintf(out, "%s: no PT_GNU_STACK\n", path) //nolint:errcheck
			case st.Executable:
				fmt.Fprintf(out, "%s: executable stack\n", path) //nolint:errcheck
				errs = append(errs, fmt.Errorf("%s requests an executable stack", path))
			default:
				fmt.Fprintf(out, "%s: non-executable stack\n", path) //nolint:errcheck
			}
			continue
		}
		changed, err := execstack.Clear(path)
		switch {
		case err != nil:
			errs = append(errs, err)
		case changed:
			fmt.Fprintf(out, "%s: cleared executable stack\n", path) //nolint:errcheck
		default:
			fmt.Fprintf(out, "%s: already non-executable\n", path) //nolint:errcheck
		}
	}
	return errors.Join(errs...)
}
