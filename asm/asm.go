// Package asm implements the textual assembly format this repo uses as a
// stand-in for "the compiler": a sequence of per-function blocks, each
// naming its arity and local variable count, followed by a body of
// mnemonic instructions one per line. Assembling never type-checks the
// body -- whether a slot holds an int or a pointer, whether branches land
// on instruction boundaries, is trusted the same way the compiled image
// handed to a VM is trusted (see vm.Decode's doc comment).
//
// Assembly proceeds in two passes: a first pass strips comments/whitespace
// and records label -> address, a second pass resolves operands
// (including label references) and emits bytes.
package asm

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/kstephano-labs/c0vm/vm"
)

var commentPattern = regexp.MustCompile(`//.*`)

// rawLine is one non-blank, comment-stripped, non-label source line
// within a function body, tagged with the byte offset its encoded form
// will start at -- needed so label references can be resolved to a
// relative displacement once every line in the function has been sized.
type rawLine struct {
	mnemonic string
	operand  string // textual operand: a number, a function/native name, or a label
	offset   int    // byte offset within the function's code array
}

// function is one source-level `.function` block mid-assembly.
type function struct {
	name    string
	numArgs uint8
	numVars uint8
	lines   []rawLine
	labels  map[string]int // label -> byte offset within this function
}

// Assemble reads C0 assembly source and produces a vm.Image. natives maps
// a native_pool entry's mnemonic name to its arity and function table
// index -- the information a real compiler would get from an extern
// declaration and a linked native registry.
func Assemble(source string, natives []vm.NativeDef, ints []int32, strs []byte) (*vm.Image, error) {
	lines := strings.Split(source, "\n")

	var funcs []*function
	var cur *function

	for lineNo, raw := range lines {
		line := commentPattern.ReplaceAllString(raw, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, ".function"):
			fields := strings.Fields(line)
			if len(fields) != 4 {
				return nil, fmt.Errorf("line %d: expected '.function name numArgs numVars'", lineNo+1)
			}
			numArgs, err := strconv.ParseUint(fields[2], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad numArgs: %w", lineNo+1, err)
			}
			numVars, err := strconv.ParseUint(fields[3], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad numVars: %w", lineNo+1, err)
			}
			cur = &function{
				name:    fields[1],
				numArgs: uint8(numArgs),
				numVars: uint8(numVars),
				labels:  make(map[string]int),
			}
		case line == ".end":
			if cur == nil {
				return nil, fmt.Errorf("line %d: .end without matching .function", lineNo+1)
			}
			funcs = append(funcs, cur)
			cur = nil
		case strings.HasSuffix(line, ":"):
			if cur == nil {
				return nil, fmt.Errorf("line %d: label outside .function block", lineNo+1)
			}
			label := strings.TrimSuffix(line, ":")
			cur.labels[label] = currentOffset(cur)
		default:
			if cur == nil {
				return nil, fmt.Errorf("line %d: instruction outside .function block", lineNo+1)
			}
			mnemonic, operand, _ := strings.Cut(line, " ")
			operand = strings.TrimSpace(operand)
			cur.lines = append(cur.lines, rawLine{
				mnemonic: mnemonic,
				operand:  operand,
				offset:   currentOffset(cur),
			})
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("unterminated .function %s", cur.name)
	}

	funcIndex := make(map[string]uint16, len(funcs))
	for i, fn := range funcs {
		funcIndex[fn.name] = uint16(i)
	}
	nativeIndex := make(map[string]uint16, len(natives))
	for i, n := range natives {
		nativeIndex[n.Name] = uint16(i)
	}

	defs := make([]vm.FunctionDef, len(funcs))
	for i, fn := range funcs {
		code, err := encodeFunction(fn, funcIndex, nativeIndex)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", fn.name, err)
		}
		defs[i] = vm.FunctionDef{
			Name:    fn.name,
			NumArgs: fn.numArgs,
			NumVars: fn.numVars,
			Code:    code,
		}
	}

	return vm.NewImage(defs, natives, ints, strs), nil
}

// AssembleFile reads and assembles a single source file.
func AssembleFile(path string, natives []vm.NativeDef, ints []int32, strs []byte) (*vm.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return Assemble(b.String(), natives, ints, strs)
}

// currentOffset computes the byte offset the next emitted instruction
// will land at, from the sizes of everything already appended to fn.
func currentOffset(fn *function) int {
	off := 0
	for _, l := range fn.lines {
		op, ok := vm.LookupOpcode(l.mnemonic)
		if !ok {
			// Unknown mnemonics are caught for real during encode; here we
			// just need a byte count, so they count as zero bytes. This only
			// matters for intra-function label math, and encode rejects the
			// line anyway.
			continue
		}
		off += 1 + op.OperandBytes()
	}
	return off
}
