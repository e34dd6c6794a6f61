package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "lswasm",
		Short: "HTTP front door running proxy-wasm filters",
		Long: `lswasm - Run proxy-wasm filters in front of HTTP requests.

Every request accepted on the listening socket is passed through the
loaded filters, phase by phase. A filter may answer the request itself
with a local response; otherwise lswasm replies with a plain-text echo
of the request.

Filters are WebAssembly modules built against the proxy-wasm ABI
(0.1.0, 0.2.0 or 0.2.1). The first --module is loaded as "main", later
ones under their file name without extension.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	addServeFlags(cmd, opts)
	cmd.AddCommand(newInspectCmd())
	return cmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type stringSliceValue []string

func (s *stringSliceValue) String() string { return strings.Join(*s, ",") }
func (s *stringSliceValue) Set(v string) error {
	*s = append(*s, v)
	return nil
}
func (s *stringSliceValue) Type() string { return "string" }
