package vm

import "fmt"

// Value is the uniform word c0vm pushes and pops: either a 32-bit signed
// integer or a pointer. The opcode consuming a value picks which sense
// applies (the assembler/compiler that produced the image is trusted to
// have kept both sides consistent -- c0vm does not re-verify it).
//
// Unlike the reference C implementation's punned union, Value carries its
// tag explicitly. The dispatch loop never inspects the tag to decide what
// to do (the opcode already knows). Only Equal, IsNull and String read the
// tag; Int and Ptr do not check it, so reading the wrong sense yields 0 or
// the null pointer rather than a panic.
type Value struct {
	isPtr bool
	i     int32
	p     Pointer
}

// IntValue builds an integer-sense Value.
func IntValue(i int32) Value { return Value{i: i} }

// PtrValue builds a pointer-sense Value. The zero Pointer is null.
func PtrValue(p Pointer) Value { return Value{isPtr: true, p: p} }

// NullValue is the null pointer, as pushed by ACONST_NULL.
var NullValue = PtrValue(Pointer{})

// Int reinterprets a Value as its 32-bit signed integer sense.
func (v Value) Int() int32 { return v.i }

// Uint reinterprets a Value's integer sense as unsigned (used by ISHL,
// which shifts the raw bit pattern).
func (v Value) Uint() uint32 { return uint32(v.i) }

// Ptr reinterprets a Value as its pointer sense.
func (v Value) Ptr() Pointer { return v.p }

// IsNull reports whether the pointer sense of v is the null pointer.
func (v Value) IsNull() bool { return v.isPtr && v.p.obj == nil }

// Equal compares two Values by bitwise identity for integers, pointer
// identity (same object, same offset) otherwise.
func Equal(a, b Value) bool {
	if a.isPtr != b.isPtr {
		// A well-typed program never compares across senses; if it happens
		// anyway, fall back to false rather than panicking.
		return false
	}
	if a.isPtr {
		return a.p == b.p
	}
	return a.i == b.i
}

func (v Value) String() string {
	if v.isPtr {
		if v.IsNull() {
			return "null"
		}
		return fmt.Sprintf("ptr(%v+%d)", v.p.obj, v.p.offset)
	}
	return fmt.Sprintf("%d", v.i)
}
