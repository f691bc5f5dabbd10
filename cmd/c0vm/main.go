// Command c0vm assembles and runs C0 bytecode images.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kstephano-labs/c0vm/asm"
	"github.com/kstephano-labs/c0vm/vm"
)

// exitTrapped is returned as the process exit code when the program
// aborted on a trap, distinguishable from any legitimate return value in
// the normal 0-125 range a C0 program can plausibly produce.
const exitTrapped = 126

var (
	traceFlag bool
	debugFlag bool
)

func main() {
	root := &cobra.Command{
		Use:   "c0vm",
		Short: "Assembler and interpreter for C0 bytecode images",
	}

	runCmd := &cobra.Command{
		Use:   "run <image.c0bc>",
		Short: "Execute a compiled C0 bytecode image",
		Args:  cobra.ExactArgs(1),
		RunE:  runImage,
	}
	runCmd.Flags().BoolVar(&traceFlag, "trace", false, "log every dispatched opcode at debug level")
	runCmd.Flags().BoolVar(&debugFlag, "debug", false, "drop into an interactive single-step debugger")

	asmCmd := &cobra.Command{
		Use:   "asm <source.c0s>",
		Short: "Assemble C0 textual bytecode into an image",
		Args:  cobra.ExactArgs(1),
		RunE:  assembleSource,
	}
	var outPath string
	asmCmd.Flags().StringVarP(&outPath, "output", "o", "", "output image path (default: <source> with .c0bc extension)")

	root.AddCommand(runCmd, asmCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runImage(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}
	img, err := vm.Decode(data)
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}

	logger := logrus.StandardLogger()
	machine := vm.New(img, vm.WithLogger(logger), vm.WithTrace(traceFlag))

	var (
		exitValue int32
		runErr    error
	)
	if debugFlag {
		exitValue, runErr = machine.RunDebugMode()
	} else {
		exitValue, runErr = machine.RunWithGCDisabled()
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(exitTrapped)
	}

	os.Exit(int(exitValue))
	return nil
}

func assembleSource(cmd *cobra.Command, args []string) error {
	srcPath := args[0]
	outPath, _ := cmd.Flags().GetString("output")
	if outPath == "" {
		outPath = defaultOutputPath(srcPath)
	}

	// A standalone assembler invocation has no linked native registry, so
	// it assembles against the built-in native table (defaultNatives), the
	// same set vm.New seeds by default at run time: invokenative resolves
	// only those names. No int or string pool is supplied.
	img, err := asm.AssembleFile(srcPath, defaultNatives(), nil, nil)
	if err != nil {
		return fmt.Errorf("assembling %s: %w", srcPath, err)
	}

	if err := os.WriteFile(outPath, vm.Encode(img), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	fmt.Printf("wrote %s\n", outPath)
	return nil
}

func defaultOutputPath(srcPath string) string {
	for i := len(srcPath) - 1; i >= 0 && srcPath[i] != '/'; i-- {
		if srcPath[i] == '.' {
			return srcPath[:i] + ".c0bc"
		}
	}
	return srcPath + ".c0bc"
}

// defaultNatives lists the built-in native table in the same order
// vm.NewNativeRegistry seeds it, so .c0s sources assembled by this CLI
// can invokenative them by name.
func defaultNatives() []vm.NativeDef {
	return []vm.NativeDef{
		{Name: "print_int", NumArgs: 1, TableIndex: 0},
		{Name: "print_string", NumArgs: 1, TableIndex: 1},
		{Name: "char_at", NumArgs: 2, TableIndex: 2},
		{Name: "string_length", NumArgs: 1, TableIndex: 3},
		{Name: "int_to_c0_string", NumArgs: 1, TableIndex: 4},
	}
}
