package vm_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstephano-labs/c0vm/asm"
	"github.com/kstephano-labs/c0vm/vm"
)

func compileAndCheck(t *testing.T, source string) *vm.Image {
	t.Helper()
	img, err := asm.Assemble(source, nil, nil, nil)
	require.NoError(t, err)
	return img
}

func runAndExpectValue(t *testing.T, source string, want int32) {
	t.Helper()
	img := compileAndCheck(t, source)
	machine := vm.New(img)
	got, err := machine.Run()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func runAndExpectTrap(t *testing.T, source string, category vm.Category) {
	t.Helper()
	img := compileAndCheck(t, source)
	machine := vm.New(img)
	_, err := machine.Run()
	require.Error(t, err)
	trap, ok := err.(*vm.Trap)
	require.True(t, ok, "expected *vm.Trap, got %T: %v", err, err)
	require.Equal(t, category, trap.Category)
}

// S1: straight-line arithmetic.
func TestArithmeticReturnsExpectedValue(t *testing.T) {
	runAndExpectValue(t, `
		.function main 0 0
			bipush 20
			bipush 22
			iadd
			return
		.end
	`, 42)
}

// S2 / invariant: IDIV traps (arithmetic) on division by zero.
func TestDivideByZeroTraps(t *testing.T) {
	runAndExpectTrap(t, `
		.function main 0 0
			bipush 1
			bipush 0
			idiv
			return
		.end
	`, vm.CategoryArithmetic)
}

// INT_MIN / -1 overflows and must trap, not wrap silently.
func TestDivideIntMinByNegOneTraps(t *testing.T) {
	runAndExpectTrap(t, `
		.function main 0 0
			bipush 1
			bipush 31
			ishl
			bipush -1
			idiv
			return
		.end
	`, vm.CategoryArithmetic)
}

// S3: shift counts outside [0,32) trap (arithmetic), valid ones do not.
func TestShiftOutOfRangeTraps(t *testing.T) {
	runAndExpectTrap(t, `
		.function main 0 0
			bipush 1
			bipush 32
			ishl
			return
		.end
	`, vm.CategoryArithmetic)
}

func TestShiftWithinRangeSucceeds(t *testing.T) {
	runAndExpectValue(t, `
		.function main 0 0
			bipush 1
			bipush 4
			ishl
			return
		.end
	`, 16)
}

// S4: branch displacement is relative to the first of the two operand
// bytes -- a forward goto over a bipush/return pair must land exactly on
// the intended instruction.
func TestGotoSkipsOverDeadCode(t *testing.T) {
	runAndExpectValue(t, `
		.function main 0 0
			goto skip
			bipush 99
			return
		skip:
			bipush 7
			return
		.end
	`, 7)
}

// S5: null pointer dereference traps (memory).
func TestNullDereferenceTraps(t *testing.T) {
	runAndExpectTrap(t, `
		.function main 0 0
			aconst_null
			imload
			return
		.end
	`, vm.CategoryMemory)
}

// S6: negative array size traps (memory).
func TestNegativeArraySizeTraps(t *testing.T) {
	runAndExpectTrap(t, `
		.function main 0 0
			bipush -1
			newarray 4
			return
		.end
	`, vm.CategoryMemory)
}

// out-of-bounds array index traps (memory).
func TestArrayIndexOutOfBoundsTraps(t *testing.T) {
	runAndExpectTrap(t, `
		.function main 0 0
			bipush 3
			newarray 4
			bipush 5
			aadds
			return
		.end
	`, vm.CategoryMemory)
}

// S7: a user-level assertion failure traps (assertion), a true assertion
// falls through and the program completes normally.
func TestFailingAssertTraps(t *testing.T) {
	runAndExpectTrap(t, `
		.function main 0 0
			bipush 0
			aldc 0
			assert
			bipush 1
			return
		.end
	`, vm.CategoryAssertion)
}

func TestPassingAssertContinues(t *testing.T) {
	img, err := asm.Assemble(`
		.function main 0 0
			bipush 1
			aldc 0
			assert
			bipush 1
			return
		.end
	`, nil, nil, append([]byte("ok"), 0))
	require.NoError(t, err)
	machine := vm.New(img)
	got, err := machine.Run()
	require.NoError(t, err)
	require.Equal(t, int32(1), got)
}

// Struct allocation, field store/load via NEW + AADDF + IMSTORE/IMLOAD.
func TestStructFieldRoundTrip(t *testing.T) {
	runAndExpectValue(t, `
		.function main 0 1
			new 8
			vstore 0

			vload 0
			bipush 5
			imstore

			vload 0
			aaddf 4
			bipush 9
			imstore

			vload 0
			aaddf 4
			imload
			return
		.end
	`, 9)
}

// Recursive INVOKESTATIC/RETURN through an explicit call stack, checked at
// a modest depth rather than by exhausting the host stack.
func TestRecursiveInvokeStatic(t *testing.T) {
	img := compileAndCheck(t, `
		.function main 0 0
			bipush 5
			invokestatic countdown
			return
		.end

		.function countdown 1 1
			vload 0
			bipush 0
			if_cmpne recurse
			bipush 0
			return
		recurse:
			vload 0
			bipush 1
			isub
			invokestatic countdown
			vload 0
			iadd
			return
		.end
	`)
	machine := vm.New(img)
	got, err := machine.Run()
	require.NoError(t, err)
	require.Equal(t, int32(15), got, "5+4+3+2+1+0")
}

// An unrecognized opcode byte is an internal invalid-opcode condition, not
// a language trap -- but it still satisfies the Trap/error contract so
// callers can tell "the program crashed" apart from "the host panicked".
func TestUnknownOpcodeIsInvalidOpcodeTrap(t *testing.T) {
	img := vm.NewImage([]vm.FunctionDef{{
		Name:    "main",
		NumArgs: 0,
		NumVars: 0,
		Code:    []byte{0xEE},
	}}, nil, nil, nil)
	machine := vm.New(img)
	_, err := machine.Run()
	trap, ok := err.(*vm.Trap)
	require.True(t, ok, "expected *vm.Trap, got %T: %v", err, err)
	require.Equal(t, vm.CategoryInvalidOpcode, trap.Category)
}

// print_int/print_string natives write to the VM's configured stdout.
func TestNativePrintIntWritesStdout(t *testing.T) {
	img, err := asm.Assemble(`
		.function main 0 0
			bipush 42
			invokenative print_int
			pop
			bipush 0
			return
		.end
	`, []vm.NativeDef{{Name: "print_int", NumArgs: 1, TableIndex: 0}}, nil, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	bw := bufio.NewWriter(&out)
	machine := vm.New(img, vm.WithStdout(bw))
	_, err = machine.Run()
	require.NoError(t, err)
	bw.Flush()
	require.Equal(t, "42", out.String())
}

// DUP pushes a second copy of the top of stack.
func TestDupDuplicatesTop(t *testing.T) {
	runAndExpectValue(t, `
		.function main 0 0
			bipush 21
			dup
			iadd
			return
		.end
	`, 42)
}

// SWAP exchanges the top two stack slots; ISUB's operand order then proves
// which value ended up on top.
func TestSwapExchangesTopTwo(t *testing.T) {
	runAndExpectValue(t, `
		.function main 0 0
			bipush 10
			bipush 20
			swap
			isub
			return
		.end
	`, 10)
}

// CMSTORE/CMLOAD round-trip a single signed byte through a struct field.
func TestCharFieldRoundTrip(t *testing.T) {
	runAndExpectValue(t, `
		.function main 0 1
			new 1
			vstore 0

			vload 0
			bipush 65
			cmstore

			vload 0
			cmload
			return
		.end
	`, 65)
}

// AMSTORE/AMLOAD round-trip a pointer through a struct field distinct from
// the int-sense IMSTORE/IMLOAD path: storing a pointer to one struct inside
// another, then loading it back out and dereferencing it.
func TestPointerFieldRoundTrip(t *testing.T) {
	runAndExpectValue(t, `
		.function main 0 2
			new 8
			vstore 0      // outer: holds a pointer field at offset 0

			new 4
			vstore 1      // inner: holds an int

			vload 1
			bipush 42
			imstore

			vload 0
			vload 1
			amstore

			vload 0
			amload
			imload
			return
		.end
	`, 42)
}
