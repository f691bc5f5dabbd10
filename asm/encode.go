package asm

import (
	"fmt"
	"strconv"

	"github.com/kstephano-labs/c0vm/vm"
)

var branchMnemonics = map[string]bool{
	"goto": true, "if_cmpeq": true, "if_cmpne": true,
	"if_icmplt": true, "if_icmple": true, "if_icmpgt": true, "if_icmpge": true,
}

// encodeFunction turns fn's mnemonic/operand lines into a byte-encoded
// code array, resolving invokestatic/invokenative operands against the
// program's function and native name tables and branch operands against
// fn's own label table.
func encodeFunction(fn *function, funcIndex, nativeIndex map[string]uint16) ([]byte, error) {
	var code []byte

	for _, l := range fn.lines {
		op, ok := vm.LookupOpcode(l.mnemonic)
		if !ok {
			return nil, fmt.Errorf("unknown instruction %q", l.mnemonic)
		}
		if op.IsReserved() {
			return nil, fmt.Errorf("%q is a reserved instruction, not assemblable", l.mnemonic)
		}

		code = append(code, byte(op))

		switch op.OperandBytes() {
		case 0:
			if l.operand != "" {
				return nil, fmt.Errorf("%s takes no operand, got %q", l.mnemonic, l.operand)
			}
		case 1:
			n, err := parseImmediate(l.operand)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", l.mnemonic, err)
			}
			code = append(code, byte(n))
		case 2:
			var u16 uint16
			switch {
			case branchMnemonics[l.mnemonic]:
				target, ok := fn.labels[l.operand]
				if !ok {
					return nil, fmt.Errorf("%s: undefined label %q", l.mnemonic, l.operand)
				}
				d := int32(target) - int32(l.offset+1)
				if d < -32768 || d > 32767 {
					return nil, fmt.Errorf("%s: branch displacement %d out of s16 range", l.mnemonic, d)
				}
				u16 = uint16(int16(d))
			case l.mnemonic == "invokestatic":
				idx, ok := funcIndex[l.operand]
				if !ok {
					return nil, fmt.Errorf("invokestatic: undefined function %q", l.operand)
				}
				u16 = idx
			case l.mnemonic == "invokenative":
				idx, ok := nativeIndex[l.operand]
				if !ok {
					return nil, fmt.Errorf("invokenative: undefined native %q", l.operand)
				}
				u16 = idx
			default:
				// ildc/aldc: a literal pool index
				n, err := parseImmediate(l.operand)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", l.mnemonic, err)
				}
				u16 = uint16(n)
			}
			code = append(code, byte(u16>>8), byte(u16))
		}
	}

	return code, nil
}

func parseImmediate(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing operand")
	}
	return strconv.ParseInt(s, 0, 32)
}
