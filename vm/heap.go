package vm

// heapObject is either a raw struct block or an array descriptor. Exactly
// one of the two fields is meaningful, selected by isArray -- a small,
// private sum type, same spirit as Value's int/pointer split.
type heapObject struct {
	isArray bool

	// struct block
	bytes []byte

	// array descriptor
	count   int32
	eltSize uint8
	elems   []byte

	// ptrSlots holds the pointer-sense payload for any offset written by
	// AMSTORE. A struct field or array element can hold either an int or a
	// pointer depending on the compiled type, but bytes/elems only has room
	// to store the 4-byte int sense -- this side table is where the pointer
	// sense lives instead of reinterpreting raw bytes as a Go pointer.
	ptrSlots map[int32]Pointer
}

// Pointer is an interior reference into the heap: a base object plus a
// byte offset. AADDF and AADDS both produce pointers this way, so a single
// representation serves struct fields, array elements, and whole-object
// references (offset 0) alike, without resorting to unsafe.Pointer.
//
// The zero Pointer (obj == nil) is the null pointer.
type Pointer struct {
	obj    *heapObject
	offset int32
}

// Heap owns every struct block and array descriptor allocated over the
// life of a program. Nothing is ever freed: the heap grows monotonically
// and reclamation is out of scope.
type Heap struct {
	objects []*heapObject
}

// NewStruct allocates a zero-initialized size-byte block and returns a
// pointer to its first byte, per NEW.
func (h *Heap) NewStruct(size uint8) Pointer {
	obj := &heapObject{bytes: make([]byte, size)}
	h.objects = append(h.objects, obj)
	return Pointer{obj: obj}
}

// NewArray allocates a zero-initialized array descriptor of count elements
// of eltSize bytes each, per NEWARRAY. The caller is responsible for
// rejecting count < 0 (a memory trap) before calling this.
func (h *Heap) NewArray(count int32, eltSize uint8) Pointer {
	obj := &heapObject{
		isArray: true,
		count:   count,
		eltSize: eltSize,
		elems:   make([]byte, int64(count)*int64(eltSize)),
	}
	h.objects = append(h.objects, obj)
	return Pointer{obj: obj}
}

// bufferAt returns the byte slice backing p, already sliced to start at
// p.offset, where a 4-byte or 1-byte access at p begins. Struct blocks are
// addressed directly by offset; array descriptors are only ever addressed
// at offset 0 (ARRAYLENGTH) since element access always goes through an
// AADDS-produced interior pointer into elems.
func (p Pointer) bufferAt() []byte {
	if p.obj.isArray {
		return p.obj.elems[p.offset:]
	}
	return p.obj.bytes[p.offset:]
}
