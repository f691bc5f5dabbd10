package vm

import (
	"bufio"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// VM is one execution: an image, a heap, a native registry, the current
// frame, and the call stack of frozen caller frames. It is strictly
// single-threaded and synchronous -- nothing here is safe to share across
// goroutines, and nothing about the design tries to be.
type VM struct {
	image   *Image
	heap    Heap
	natives *NativeRegistry
	current *Frame
	calls   callStack

	stdout *bufio.Writer
	log    *logrus.Logger
	trace  bool
}

// Option configures a VM at construction time.
type Option func(*VM)

// WithStdout redirects the output of print_int/print_string-style
// natives. Defaults to os.Stdout.
func WithStdout(w *bufio.Writer) Option {
	return func(vm *VM) { vm.stdout = w }
}

// WithNatives overrides the default native registry (see
// NewNativeRegistry). Embedders that want their own host functions in
// place of, or alongside, the built-ins should build a registry and pass
// it here.
func WithNatives(r *NativeRegistry) Option {
	return func(vm *VM) { vm.natives = r }
}

// WithLogger attaches a logrus.Logger for trace output (see WithTrace).
// Defaults to logrus.StandardLogger().
func WithLogger(l *logrus.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// WithTrace turns on per-opcode Debug-level logging of pc, opcode, and
// operand stack depth.
func WithTrace(enabled bool) Option {
	return func(vm *VM) { vm.trace = enabled }
}

// New builds a VM ready to execute img, starting at function_pool[0].
// function_pool[0] is invoked with no caller and an all-zero locals
// vector regardless of its declared num_args: there is no caller operand
// stack to pull arguments from at the top of the program.
func New(img *Image, opts ...Option) *VM {
	vm := &VM{
		image:   img,
		natives: NewNativeRegistry(),
		stdout:  bufio.NewWriter(os.Stdout),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.current = newFrame(0, img.Function(0))
	return vm
}

// Run executes the program to completion: either a top-level RETURN,
// which yields the program's exit value, or a trap/image error, which
// aborts the whole VM. This is the single recover boundary for the
// dispatch loop.
func (vm *VM) Run() (exitValue int32, err error) {
	defer vm.stdout.Flush()
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *Trap:
				if vm.log != nil {
					vm.log.WithFields(logrus.Fields{
						"category": e.Category,
						"message":  e.Message,
					}).Error("trap")
				}
				err = e
			case *ImageError:
				err = e
			default:
				// Anything else (a Go runtime panic such as a slice index
				// bounds failure reaching here unconverted) is still a
				// fail-fast image-level bug, not a language trap.
				err = &ImageError{Message: fmt.Sprintf("internal error: %v", r)}
			}
		}
	}()

	for {
		halted, retval := vm.step()
		if halted {
			return retval, nil
		}
	}
}

// Step executes exactly one opcode and reports whether it was a top-level
// RETURN (in which case retval is the program's exit value). It is
// exported so a debugger can drive the VM one instruction at a time; Run
// is just a loop around Step with a recover wrapped around it.
func (vm *VM) Step() (halted bool, retval int32) {
	return vm.step()
}

// This is the hot loop; its body is one big switch rather than a table of
// closures so the common opcodes stay cheap to dispatch.
func (vm *VM) step() (halted bool, retval int32) {
	f := vm.current
	opcodeAddr := f.pc
	op := Opcode(f.fetchByte())

	if vm.trace && vm.log != nil {
		vm.log.WithFields(logrus.Fields{
			"pc":          opcodeAddr,
			"op":          op.String(),
			"stack_depth": f.stack.len(),
			"fn":          f.fn,
		}).Debug("dispatch")
	}

	switch op {
	case Nop:

	case Pop:
		f.stack.pop()
	case Dup:
		v := f.stack.pop()
		f.stack.push(v)
		f.stack.push(v)
	case Swap:
		a := f.stack.pop()
		b := f.stack.pop()
		f.stack.push(a)
		f.stack.push(b)

	case IAdd:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		f.stack.push(IntValue(a + b))
	case ISub:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		f.stack.push(IntValue(a - b))
	case IMul:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		f.stack.push(IntValue(a * b))
	case IDiv:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		checkDivisor(a, b)
		f.stack.push(IntValue(a / b))
	case IRem:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		checkDivisor(a, b)
		f.stack.push(IntValue(a % b))
	case IAnd:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		f.stack.push(IntValue(a & b))
	case IOr:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		f.stack.push(IntValue(a | b))
	case IXor:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		f.stack.push(IntValue(a ^ b))
	case IShl:
		bv, av := f.stack.pop(), f.stack.pop()
		b := bv.Int()
		checkShift(b)
		f.stack.push(IntValue(int32(av.Uint() << uint(b))))
	case IShr:
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		checkShift(b)
		f.stack.push(IntValue(a >> uint(b)))

	case BIPush:
		b := int8(f.fetchByte())
		f.stack.push(IntValue(int32(b)))
	case ILdc:
		idx := f.fetchU16()
		f.stack.push(IntValue(vm.image.Int(idx)))
	case ALdc:
		idx := f.fetchU16()
		f.stack.push(PtrValue(Pointer{obj: vm.image.StringPointer(), offset: int32(idx)}))
	case AConstNull:
		f.stack.push(NullValue)

	case VLoad:
		idx := f.fetchByte()
		f.stack.push(f.locals.get(idx))
	case VStore:
		idx := f.fetchByte()
		f.locals.set(idx, f.stack.pop())

	case AThrow:
		msg := f.stack.pop().Ptr()
		checkNotNull(msg)
		panic(userTrap(string(cStringAt(msg))))
	case Assert:
		msg := f.stack.pop()
		pred := f.stack.pop()
		if pred.Int() == 0 {
			panic(assertTrap(string(cStringAt(msg.Ptr()))))
		}

	case Goto:
		d := int16(f.fetchU16())
		f.pc = branchTarget(opcodeAddr, d)
	case IfCmpEq:
		d := int16(f.fetchU16())
		b, a := f.stack.pop(), f.stack.pop()
		if Equal(a, b) {
			f.pc = branchTarget(opcodeAddr, d)
		}
	case IfCmpNe:
		d := int16(f.fetchU16())
		b, a := f.stack.pop(), f.stack.pop()
		if !Equal(a, b) {
			f.pc = branchTarget(opcodeAddr, d)
		}
	case IfICmpLt:
		d := int16(f.fetchU16())
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		if a < b {
			f.pc = branchTarget(opcodeAddr, d)
		}
	case IfICmpLe:
		d := int16(f.fetchU16())
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		if a <= b {
			f.pc = branchTarget(opcodeAddr, d)
		}
	case IfICmpGt:
		d := int16(f.fetchU16())
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		if a > b {
			f.pc = branchTarget(opcodeAddr, d)
		}
	case IfICmpGe:
		d := int16(f.fetchU16())
		b, a := f.stack.pop().Int(), f.stack.pop().Int()
		if a >= b {
			f.pc = branchTarget(opcodeAddr, d)
		}

	case InvokeStatic:
		idx := f.fetchU16()
		def := vm.image.Function(idx)
		vm.calls.push(f)
		callee := newFrame(int(idx), def)
		for i := int(def.NumArgs) - 1; i >= 0; i-- {
			callee.locals.set(uint8(i), f.stack.pop())
		}
		vm.current = callee
	case InvokeNative:
		idx := f.fetchU16()
		def := vm.image.Native(idx)
		args := make([]Value, def.NumArgs)
		for i := int(def.NumArgs) - 1; i >= 0; i-- {
			args[i] = f.stack.pop()
		}
		fn := vm.natives.lookup(def.TableIndex)
		result := fn(vm, args)
		f.stack.push(result)
	case Return:
		rv := f.stack.pop()
		if vm.calls.empty() {
			return true, rv.Int()
		}
		vm.current = vm.calls.pop()
		vm.current.stack.push(rv)

	case New:
		size := f.fetchByte()
		f.stack.push(PtrValue(vm.heap.NewStruct(size)))
	case IMLoad:
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		f.stack.push(IntValue(readInt32(p)))
	case IMStore:
		x := f.stack.pop().Int()
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		writeInt32(p, x)
	case AMLoad:
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		f.stack.push(PtrValue(readPtr(p)))
	case AMStore:
		val := f.stack.pop().Ptr()
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		writePtr(p, val)
	case CMLoad:
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		f.stack.push(IntValue(int32(int8(p.bufferAt()[0]))))
	case CMStore:
		x := f.stack.pop().Int()
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		p.bufferAt()[0] = byte(x) & 0x7F
	case AAddF:
		offset := f.fetchByte()
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		f.stack.push(PtrValue(Pointer{obj: p.obj, offset: p.offset + int32(offset)}))

	case NewArray:
		eltSize := f.fetchByte()
		n := f.stack.pop().Int()
		if n < 0 {
			panic(memTrap("negative array size %d", n))
		}
		f.stack.push(PtrValue(vm.heap.NewArray(n, eltSize)))
	case ArrayLen:
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		f.stack.push(IntValue(p.obj.count))
	case AAddS:
		i := f.stack.pop().Int()
		p := f.stack.pop().Ptr()
		checkNotNull(p)
		if i < 0 || i >= p.obj.count {
			panic(memTrap("array index %d out of range (length %d)", i, p.obj.count))
		}
		f.stack.push(PtrValue(Pointer{obj: p.obj, offset: i * int32(p.obj.eltSize)}))

	default:
		if op.IsReserved() {
			panic(invalidOpcodeTrap("unimplemented C1 opcode 0x%02x (%s)", byte(op), op))
		}
		panic(invalidOpcodeTrap("unrecognized opcode 0x%02x", byte(op)))
	}

	return false, 0
}

func checkDivisor(a, b int32) {
	if b == 0 {
		panic(arithTrap("divide by zero"))
	}
	if a == -1<<31 && b == -1 {
		panic(arithTrap("overflow: INT_MIN / -1"))
	}
}

func checkShift(n int32) {
	if n < 0 || n >= 32 {
		panic(arithTrap("shift amount %d out of range [0,32)", n))
	}
}

func checkNotNull(p Pointer) {
	if p.obj == nil {
		panic(memTrap("null pointer dereference"))
	}
}

func readInt32(p Pointer) int32 {
	b := p.bufferAt()
	return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

func writeInt32(p Pointer, x int32) {
	b := p.bufferAt()
	u := uint32(x)
	b[0] = byte(u >> 24)
	b[1] = byte(u >> 16)
	b[2] = byte(u >> 8)
	b[3] = byte(u)
}

// readPtr/writePtr implement AMLOAD/AMSTORE: a pointer-sized slot holding
// another Pointer. Go pointers aren't a fixed byte width the way C's are,
// so the slot is represented as an entry in the owning heapObject's
// ptrSlots side table, keyed by the same offset a raw byte access would
// use, rather than literally reinterpreting 4 or 8 bytes.
func readPtr(p Pointer) Pointer {
	if p.obj.ptrSlots == nil {
		return Pointer{}
	}
	return p.obj.ptrSlots[p.offset]
}

func writePtr(p Pointer, val Pointer) {
	if p.obj.ptrSlots == nil {
		p.obj.ptrSlots = make(map[int32]Pointer)
	}
	p.obj.ptrSlots[p.offset] = val
}
