package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/riscv-go/vm"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm [program.bin]",
	Short: "Disassemble a RISC-V code image",
	Long: `Prints one line per instruction word:

  0x00000000: 00500093  addi x1, x0, 5

Words that do not decode print as unsupported(0x........), which is normal
for data pools embedded in the image.`,
	Args: cobra.ExactArgs(1),
	RunE: disassemble,
}

func disassemble(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read program: %w", err)
	}
	engine, err := vm.New(vm.WithMaxCodeSize(codeLimit(len(code))))
	if err != nil {
		return err
	}
	module, err := engine.NewModule(code)
	if err != nil {
		return fmt.Errorf("load module: %w", err)
	}
	fmt.Printf("module %s: %d bytes, %d instructions\n", module.Hash(), module.Size(), module.Instructions())
	fmt.Print(module.Disassemble())
	return nil
}
