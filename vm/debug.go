package vm

import (
	"bufio"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
)

// RunWithGCDisabled is Run with the garbage collector turned off for the
// duration of the call. Everything an image needs is allocated up front
// (the image itself, the native registry); the only ongoing allocation
// during dispatch is heap.NewStruct/NewArray and frame growth, both small
// relative to the cost of a GC pause landing mid-dispatch-loop on a
// long-running program. GOGC is restored to its prior value on return.
func (vm *VM) RunWithGCDisabled() (int32, error) {
	prev := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(prev)
	return vm.Run()
}

// RunDebugMode drives the VM one instruction at a time from an
// interactive prompt: "n"/"next" to single-step, "r"/"run" to free-run to
// completion or to the next breakpoint, "b <pc>" to toggle a breakpoint
// at a byte offset (matched against the pc of whichever function is
// executing), anything else to print the current frame state.
func (vm *VM) RunDebugMode() (exitValue int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *Trap:
				err = e
			case *ImageError:
				err = e
			default:
				err = &ImageError{Message: fmt.Sprintf("internal error: %v", r)}
			}
		}
	}()

	fmt.Println("commands: n/next, r/run, b <pc> (toggle breakpoint), anything else prints state")
	vm.printState()

	reader := bufio.NewReader(os.Stdin)
	breakpoints := make(map[int]bool)
	waitForInput := true

	for {
		line := ""
		if waitForInput {
			fmt.Print("\n-> ")
			line, _ = reader.ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
		} else if breakpoints[vm.current.pc] {
			fmt.Println("breakpoint hit")
			vm.printState()
			waitForInput = true
			continue
		}

		switch {
		case !waitForInput || line == "n" || line == "next":
			halted, retval := vm.step()
			if waitForInput {
				vm.printState()
			}
			if halted {
				return retval, nil
			}
		case line == "r" || line == "run":
			waitForInput = false
		case strings.HasPrefix(line, "b "):
			pc, perr := strconv.Atoi(strings.TrimSpace(line[2:]))
			if perr != nil {
				fmt.Println("bad breakpoint address:", perr)
				continue
			}
			breakpoints[pc] = !breakpoints[pc]
		default:
			vm.printState()
		}
	}
}

func (vm *VM) printState() {
	f := vm.current
	fmt.Printf("  fn=%d pc=%d stack_depth=%d\n", f.fn, f.pc, f.stack.len())
}
