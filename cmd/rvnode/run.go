package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/riscv-go/vm"
	"github.com/dshills/riscv-go/vm/emit"
	"github.com/dshills/riscv-go/vm/host"
	"github.com/dshills/riscv-go/vm/store"
)

var (
	runPC        uint32
	runArg       uint32
	runGas       uint64
	runMaxMemory uint32
	runTrace     bool
	runJournal   string
)

var runCmd = &cobra.Command{
	Use:   "run [program.bin]",
	Short: "Execute a RISC-V code image and print the call result",
	Long: `Loads a flat RV32IM binary, calls into it once, and prints the value the
guest leaves in a0.

The guest starts at --pc with --arg delivered in a0. The write, exit,
getrandom, and clock_gettime64 syscalls are available; guest writes to file
descriptors 1 and 2 go to rvnode's stdout and stderr. With --journal the
settled call leaves a receipt in the named SQLite file.

Example:
  rvnode run sum.bin --arg 100 --gas 1000000 --journal receipts.db`,
	Args: cobra.ExactArgs(1),
	RunE: runProgram,
}

func init() {
	runCmd.Flags().Uint32Var(&runPC, "pc", 0, "Entry program counter")
	runCmd.Flags().Uint32Var(&runArg, "arg", 0, "Argument delivered in a0")
	runCmd.Flags().Uint64Var(&runGas, "gas", 0, "Gas budget (0 = unmetered)")
	runCmd.Flags().Uint32Var(&runMaxMemory, "max-memory", vm.DefaultMaxMemory, "Guest memory size in bytes")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "Print every retired instruction to stderr")
	runCmd.Flags().StringVar(&runJournal, "journal", "", "SQLite file to record the call receipt in")
}

func runProgram(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read program: %w", err)
	}

	registry, err := host.DefaultRegistry(os.Stdout, os.Stderr, logger)
	if err != nil {
		return fmt.Errorf("build syscall registry: %w", err)
	}

	opts := []vm.Option{
		vm.WithMaxMemory(runMaxMemory),
		vm.WithMaxCodeSize(codeLimit(len(code))),
		vm.WithDefaultGas(runGas),
		vm.WithSyscall(registry.Handler()),
	}
	if runTrace {
		opts = append(opts,
			vm.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
			vm.WithTrace(true),
		)
	}
	if runJournal != "" {
		st, err := store.NewSQLiteStore(runJournal)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Warn("close journal", zap.Error(err))
			}
		}()
		opts = append(opts, vm.WithStore(st))
	}

	engine, err := vm.New(opts...)
	if err != nil {
		return err
	}
	module, err := engine.NewModule(code)
	if err != nil {
		return fmt.Errorf("load module: %w", err)
	}
	inst, err := engine.NewInstance(module)
	if err != nil {
		return err
	}
	defer inst.Close()

	logger.Debug("calling guest",
		zap.String("module_hash", module.Hash()),
		zap.Uint32("entry_pc", runPC),
		zap.Uint32("arg", runArg),
		zap.Uint64("gas", runGas))

	result, err := inst.Call(ctx, runPC, runArg)
	for errors.Is(err, vm.ErrBreakpoint) {
		fmt.Fprintf(os.Stderr, "breakpoint at pc=0x%08x, resuming\n", inst.PC())
		result, err = inst.Resume(ctx)
	}
	if err != nil {
		if errors.Is(err, vm.ErrOutOfGas) {
			return fmt.Errorf("out of gas after %d units; raise --gas", runGas)
		}
		return err
	}

	fmt.Printf("result: %d\n", result)
	fmt.Printf("steps:  %d\n", inst.LastSteps())
	if runGas > 0 {
		fmt.Printf("gas:    %d used, %d remaining\n", runGas-inst.Gas(), inst.Gas())
	}
	if runJournal != "" {
		fmt.Printf("receipt: %s\n", inst.LastReceiptID())
	}
	return nil
}

// codeLimit sizes the engine's code limit to the image being loaded, so the
// CLI accepts any file the caller hands it.
func codeLimit(n int) uint32 {
	if n <= vm.DefaultMaxCodeSize {
		return vm.DefaultMaxCodeSize
	}
	return uint32(n)
}
