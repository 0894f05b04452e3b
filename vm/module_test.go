package vm

import (
	"errors"
	"strings"
	"testing"
)

func TestNewModule_Validation(t *testing.T) {
	engine := testEngine(t, WithMaxCodeSize(16))

	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"empty", nil, ErrEmptyCode},
		{"zero length", []byte{}, ErrEmptyCode},
		{"misaligned", []byte{0x13, 0x00, 0x00}, ErrCodeMisaligned},
		{"too large", make([]byte, 20), ErrCodeTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.NewModule(tt.code)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("at the limit", func(t *testing.T) {
		if _, err := engine.NewModule(make([]byte, 16)); err != nil {
			t.Errorf("16 bytes should fit a 16 byte limit: %v", err)
		}
	})
}

func TestModule_Hash(t *testing.T) {
	engine := testEngine(t)

	a, err := engine.NewModule(program(addi(10, 0, 1), ret()))
	if err != nil {
		t.Fatal(err)
	}
	b, err := engine.NewModule(program(addi(10, 0, 1), ret()))
	if err != nil {
		t.Fatal(err)
	}
	c, err := engine.NewModule(program(addi(10, 0, 2), ret()))
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(a.Hash(), "sha256:") {
		t.Errorf("hash = %q, want sha256: prefix", a.Hash())
	}
	if len(a.Hash()) != len("sha256:")+64 {
		t.Errorf("hash length = %d", len(a.Hash()))
	}
	if a.Hash() != b.Hash() {
		t.Error("identical code should hash identically")
	}
	if a.Hash() == c.Hash() {
		t.Error("different code should hash differently")
	}
}

func TestModule_CodeReturnsCopy(t *testing.T) {
	engine := testEngine(t)
	mod, err := engine.NewModule(program(ret()))
	if err != nil {
		t.Fatal(err)
	}

	code := mod.Code()
	code[0] = 0xFF
	if mod.Code()[0] == 0xFF {
		t.Error("mutating the returned code must not touch the module")
	}
	if mod.Size() != 4 {
		t.Errorf("Size = %d, want 4", mod.Size())
	}
}

func TestModule_SourceIsCopied(t *testing.T) {
	engine := testEngine(t)
	src := program(addi(10, 0, 5), ret())
	mod, err := engine.NewModule(src)
	if err != nil {
		t.Fatal(err)
	}

	// Corrupting the caller's buffer must not affect the module.
	for i := range src {
		src[i] = 0
	}
	inst, err := engine.NewInstance(mod)
	if err != nil {
		t.Fatal(err)
	}
	if got := mustCall(t, inst, 0, 0); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
}

func TestModule_Disassemble(t *testing.T) {
	engine := testEngine(t)
	mod, err := engine.NewModule(program(addi(1, 0, 5), ret(), 0x00000000))
	if err != nil {
		t.Fatal(err)
	}

	out := mod.Disassemble()
	wantLines := []string{
		"0x00000000: 00500093  addi x1, x0, 5",
		"0x00000004: 00008067  jalr x0, 0(x1)",
		"0x00000008: 00000000  unsupported(0x00000000)",
	}
	for _, want := range wantLines {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestNewInstance_EngineMismatch(t *testing.T) {
	e1 := testEngine(t)
	e2 := testEngine(t)

	mod, err := e1.NewModule(program(ret()))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e2.NewInstance(mod); !errors.Is(err, ErrEngineMismatch) {
		t.Errorf("got %v, want ErrEngineMismatch", err)
	}
	if _, err := e1.NewInstance(nil); !errors.Is(err, ErrEngineMismatch) {
		t.Errorf("nil module: got %v, want ErrEngineMismatch", err)
	}
}
