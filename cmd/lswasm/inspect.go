package main

import (
	"fmt"
	"io"
	"os"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/hostfunc"
	"github.com/caffeineduck/lswasm/sandbox"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var hostImports bool
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Check that a filter module compiles and links",
		Long: `Compile a filter module without running it and print what the host
sees: the ABI version it declares, its allocator, its exports and its
imports. The command fails when the module is not valid WebAssembly or
imports a function the host does not provide.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], hostImports)
		},
	}
	cmd.Flags().BoolVar(&hostImports, "host-imports", false, "Also list every function the host provides")
	return cmd
}

func runInspect(cmd *cobra.Command, path string, hostImports bool) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := sandbox.New(ctx, hostfunc.NewProxyRegistry())
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	out := cmd.OutOrStdout()
	if hostImports {
		printList(out, "host", rt.Imports())
	}

	prog, err := rt.Compile(ctx, code)
	if err != nil {
		fmt.Fprintf(out, "link: %v\n", err)
		return err
	}
	defer prog.Close(ctx)

	version := string(prog.Version())
	if version == "" {
		version = "none"
	}
	allocator := "none"
	switch {
	case prog.Has(abi.ExportMalloc):
		allocator = abi.ExportMalloc
	case prog.Has(abi.ExportMemoryAllocate):
		allocator = abi.ExportMemoryAllocate
	}

	fmt.Fprintf(out, "abi: %s\n", version)
	fmt.Fprintf(out, "allocator: %s\n", allocator)
	printList(out, "exports", prog.Exports())

	imports := make([]string, 0, len(prog.Imports()))
	for _, imp := range prog.Imports() {
		imports = append(imports, imp.Module+"."+imp.Name)
	}
	printList(out, "imports", imports)
	fmt.Fprintln(out, "link: ok")
	return nil
}

func printList(w io.Writer, title string, items []string) {
	fmt.Fprintf(w, "%s: %d\n", title, len(items))
	for _, item := range items {
		fmt.Fprintf(w, "  %s\n", item)
	}
}
