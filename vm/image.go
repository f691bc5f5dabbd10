package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FunctionDef is one function_pool entry: how many arguments it takes, how
// many local variable slots its frame needs, and its code array.
type FunctionDef struct {
	Name    string // not part of the wire format; kept for trace/errors
	NumArgs uint8
	NumVars uint8
	Code    []byte
}

// NativeDef is one native_pool entry: its arity and the index into the
// host's NativeRegistry that implements it.
type NativeDef struct {
	Name       string
	NumArgs    uint8
	TableIndex uint16
}

// Image is the read-only program the loader hands the VM: the function,
// native, and int pools, plus the string pool as a flat byte region
// indexable by offset. function_pool[0] is the entry point.
type Image struct {
	Functions []FunctionDef
	Natives   []NativeDef
	Ints      []int32
	Strings   []byte // NUL-terminated C-style strings back to back

	stringObj *heapObject
}

// NewImage builds an Image from already-assembled pools and wires up the
// string pool's backing heapObject so StringPointer/ALDC can hand out
// Pointers into it. Used directly by package asm once assembly finishes.
func NewImage(fns []FunctionDef, natives []NativeDef, ints []int32, strs []byte) *Image {
	return &Image{
		Functions: fns,
		Natives:   natives,
		Ints:      ints,
		Strings:   strs,
		stringObj: &heapObject{bytes: strs},
	}
}

// Function looks up a function_pool entry by index. Out-of-range access is
// an image error: the loader/assembler is trusted to only ever emit
// indices it actually defined.
func (img *Image) Function(idx uint16) *FunctionDef {
	if int(idx) >= len(img.Functions) {
		imageError("function pool index %d out of range (pool size %d)", idx, len(img.Functions))
	}
	return &img.Functions[idx]
}

// Native looks up a native_pool entry by index.
func (img *Image) Native(idx uint16) *NativeDef {
	if int(idx) >= len(img.Natives) {
		imageError("native pool index %d out of range (pool size %d)", idx, len(img.Natives))
	}
	return &img.Natives[idx]
}

// Int looks up an int_pool entry by index, used by ILDC.
func (img *Image) Int(idx uint16) int32 {
	if int(idx) >= len(img.Ints) {
		imageError("int pool index %d out of range (pool size %d)", idx, len(img.Ints))
	}
	return img.Ints[idx]
}

// StringPointer returns the heap-like object backing the string pool; ALDC
// pairs it with a byte offset to form a Pointer to the interned C-string at
// that offset. Modeling the pool as a single object lets Pointer's
// (obj, offset) shape cover it without a third case.
func (img *Image) StringPointer() *heapObject {
	return img.stringObj
}

// Binary encoding: big-endian throughout, one length-prefixed section per
// pool, in the fixed order Functions, Natives, Ints, Strings. This is the
// repo's concrete answer to the "compiled program image" format a loader
// hands the VM -- the assembler in package asm is what produces it.
//
// function entry:  u8 numArgs, u8 numVars, u32 codeLen, codeLen bytes
// native entry:    u8 numArgs, u16 tableIndex
// int entry:       i32
// string pool:     u32 length, that many bytes (already NUL-separated)
//
// Names (FunctionDef.Name, NativeDef.Name) are not part of the wire format:
// they exist only for human-readable traces and are re-synthesized as
// "fn<idx>"/"native<idx>" on decode.

func Encode(img *Image) []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, uint32(len(img.Functions)))
	for _, fn := range img.Functions {
		buf.WriteByte(fn.NumArgs)
		buf.WriteByte(fn.NumVars)
		binary.Write(&buf, binary.BigEndian, uint32(len(fn.Code)))
		buf.Write(fn.Code)
	}

	binary.Write(&buf, binary.BigEndian, uint32(len(img.Natives)))
	for _, n := range img.Natives {
		buf.WriteByte(n.NumArgs)
		binary.Write(&buf, binary.BigEndian, n.TableIndex)
	}

	binary.Write(&buf, binary.BigEndian, uint32(len(img.Ints)))
	for _, v := range img.Ints {
		binary.Write(&buf, binary.BigEndian, v)
	}

	binary.Write(&buf, binary.BigEndian, uint32(len(img.Strings)))
	buf.Write(img.Strings)

	return buf.Bytes()
}

// Decode parses the binary format Encode produces. It performs only the
// structural checks needed to avoid an out-of-bounds read while decoding
// (truncated section, length overruns the buffer); it does not verify
// that the bytecode inside each function's Code is itself well-formed --
// bytecode verification is out of scope here, played instead by the
// assembler being a trusted compiler stand-in.
func Decode(data []byte) (*Image, error) {
	r := bytes.NewReader(data)
	img := &Image{}

	var numFns uint32
	if err := binary.Read(r, binary.BigEndian, &numFns); err != nil {
		return nil, fmt.Errorf("decode function pool count: %w", err)
	}
	img.Functions = make([]FunctionDef, numFns)
	for i := range img.Functions {
		var numArgs, numVars byte
		var codeLen uint32
		if err := readByte(r, &numArgs); err != nil {
			return nil, fmt.Errorf("decode function %d: %w", i, err)
		}
		if err := readByte(r, &numVars); err != nil {
			return nil, fmt.Errorf("decode function %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &codeLen); err != nil {
			return nil, fmt.Errorf("decode function %d code length: %w", i, err)
		}
		code := make([]byte, codeLen)
		if _, err := io.ReadFull(r, code); err != nil && codeLen > 0 {
			return nil, fmt.Errorf("decode function %d code: %w", i, err)
		}
		img.Functions[i] = FunctionDef{
			Name:    fmt.Sprintf("fn%d", i),
			NumArgs: numArgs,
			NumVars: numVars,
			Code:    code,
		}
	}

	var numNatives uint32
	if err := binary.Read(r, binary.BigEndian, &numNatives); err != nil {
		return nil, fmt.Errorf("decode native pool count: %w", err)
	}
	img.Natives = make([]NativeDef, numNatives)
	for i := range img.Natives {
		var numArgs byte
		var tableIdx uint16
		if err := readByte(r, &numArgs); err != nil {
			return nil, fmt.Errorf("decode native %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &tableIdx); err != nil {
			return nil, fmt.Errorf("decode native %d table index: %w", i, err)
		}
		img.Natives[i] = NativeDef{
			Name:       fmt.Sprintf("native%d", i),
			NumArgs:    numArgs,
			TableIndex: tableIdx,
		}
	}

	var numInts uint32
	if err := binary.Read(r, binary.BigEndian, &numInts); err != nil {
		return nil, fmt.Errorf("decode int pool count: %w", err)
	}
	img.Ints = make([]int32, numInts)
	for i := range img.Ints {
		if err := binary.Read(r, binary.BigEndian, &img.Ints[i]); err != nil {
			return nil, fmt.Errorf("decode int %d: %w", i, err)
		}
	}

	var strLen uint32
	if err := binary.Read(r, binary.BigEndian, &strLen); err != nil {
		return nil, fmt.Errorf("decode string pool length: %w", err)
	}
	img.Strings = make([]byte, strLen)
	if _, err := io.ReadFull(r, img.Strings); err != nil && strLen > 0 {
		return nil, fmt.Errorf("decode string pool: %w", err)
	}

	img.stringObj = &heapObject{bytes: img.Strings}
	return img, nil
}

func readByte(r *bytes.Reader, out *byte) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	*out = b
	return nil
}
