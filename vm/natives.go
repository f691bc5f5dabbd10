package vm

import "fmt"

// NativeFunc is the Go-side shape of a host native function: it receives
// exactly the callee's num_args arguments, in call order (index 0 = first
// argument), and returns exactly one Value. Natives are assumed total and
// synchronous -- they run on the same goroutine as the interpreter and may
// not re-enter it.
type NativeFunc func(vm *VM, args []Value) Value

// NativeRegistry maps a native_pool entry's function_table_index to the Go
// function that implements it: a plain indexed map, since natives here run
// synchronously and never re-enter the interpreter.
type NativeRegistry struct {
	funcs map[uint16]NativeFunc
}

// NewNativeRegistry returns a registry seeded with a small built-in set, so
// a freshly assembled image has something to call without the embedder
// wiring up its own host functions first. Embedders register additional or
// replacement natives with Register before calling Run.
func NewNativeRegistry() *NativeRegistry {
	r := &NativeRegistry{funcs: make(map[uint16]NativeFunc)}
	r.Register(0, nativePrintInt)
	r.Register(1, nativePrintString)
	r.Register(2, nativeCharAt)
	r.Register(3, nativeStringLength)
	r.Register(4, nativeIntToString)
	return r
}

// Register installs fn at tableIndex, overwriting whatever was there.
func (r *NativeRegistry) Register(tableIndex uint16, fn NativeFunc) {
	r.funcs[tableIndex] = fn
}

func (r *NativeRegistry) lookup(tableIndex uint16) NativeFunc {
	fn, ok := r.funcs[tableIndex]
	if !ok {
		imageError("no native registered at function table index %d", tableIndex)
	}
	return fn
}

// cStringAt reads a NUL-terminated byte string starting at p, the shape
// every built-in native that takes a "string*" argument expects (the
// in-language representation is just a char pointer -- C0 has no
// first-class string type of its own).
func cStringAt(p Pointer) []byte {
	buf := p.bufferAt()
	for i, b := range buf {
		if b == 0 {
			return buf[:i]
		}
	}
	return buf
}

func nativePrintInt(v *VM, args []Value) Value {
	n := args[0].Int()
	fmt.Fprintf(v.stdout, "%d", n)
	return IntValue(n)
}

func nativePrintString(v *VM, args []Value) Value {
	p := args[0].Ptr()
	if p.obj == nil {
		panic(memTrap("print_string: null string pointer"))
	}
	s := cStringAt(p)
	fmt.Fprint(v.stdout, string(s))
	return IntValue(int32(len(s)))
}

func nativeCharAt(v *VM, args []Value) Value {
	p := args[0].Ptr()
	idx := args[1].Int()
	if p.obj == nil {
		panic(memTrap("char_at: null string pointer"))
	}
	s := cStringAt(p)
	if idx < 0 || int(idx) >= len(s) {
		panic(memTrap("char_at: index %d out of range for string of length %d", idx, len(s)))
	}
	return IntValue(int32(int8(s[idx])))
}

func nativeStringLength(v *VM, args []Value) Value {
	p := args[0].Ptr()
	if p.obj == nil {
		panic(memTrap("string_length: null string pointer"))
	}
	return IntValue(int32(len(cStringAt(p))))
}

func nativeIntToString(v *VM, args []Value) Value {
	s := []byte(fmt.Sprintf("%d\x00", args[0].Int()))
	obj := &heapObject{bytes: s}
	v.heap.objects = append(v.heap.objects, obj)
	return PtrValue(Pointer{obj: obj})
}
