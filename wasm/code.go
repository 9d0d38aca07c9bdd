package wasm

import "bytes"

// memory immediates use natural 4-byte alignment (log2 = 2)
const align32 = 2

// Code assembles a function body one instruction at a time.
//
//	var c wasm.Code
//	c.GlobalGet(0).I32Const(16).I32Sub().GlobalSet(0).End()
type Code struct {
	buf bytes.Buffer
}

// Bytes returns the assembled instructions.
func (c *Code) Bytes() []byte {
	return c.buf.Bytes()
}

// Op appends a bare opcode.
func (c *Code) Op(op byte) *Code {
	c.buf.WriteByte(op)
	return c
}

func (c *Code) opIdx(op byte, idx uint32) *Code {
	c.buf.WriteByte(op)
	WriteLEB128u(&c.buf, idx)
	return c
}

func (c *Code) memOp(op byte, offset uint32) *Code {
	c.buf.WriteByte(op)
	WriteLEB128u(&c.buf, align32)
	WriteLEB128u(&c.buf, offset)
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf.WriteByte(OpI32Const)
	WriteLEB128s(&c.buf, v)
	return c
}

func (c *Code) LocalGet(idx uint32) *Code  { return c.opIdx(OpLocalGet, idx) }
func (c *Code) LocalSet(idx uint32) *Code  { return c.opIdx(OpLocalSet, idx) }
func (c *Code) LocalTee(idx uint32) *Code  { return c.opIdx(OpLocalTee, idx) }
func (c *Code) GlobalGet(idx uint32) *Code { return c.opIdx(OpGlobalGet, idx) }
func (c *Code) GlobalSet(idx uint32) *Code { return c.opIdx(OpGlobalSet, idx) }
func (c *Code) Call(idx uint32) *Code      { return c.opIdx(OpCall, idx) }
func (c *Code) BrIf(depth uint32) *Code    { return c.opIdx(OpBrIf, depth) }

func (c *Code) I32Load(offset uint32) *Code  { return c.memOp(OpI32Load, offset) }
func (c *Code) I32Store(offset uint32) *Code { return c.memOp(OpI32Store, offset) }

// I32AtomicRmwAdd adds to the i32 at the address on the stack and leaves the old value.
func (c *Code) I32AtomicRmwAdd(offset uint32) *Code {
	c.buf.WriteByte(OpAtomicPrefix)
	return c.memOp(OpI32AtomicRmwAdd, offset)
}

func (c *Code) I32Add() *Code      { return c.Op(OpI32Add) }
func (c *Code) I32Sub() *Code      { return c.Op(OpI32Sub) }
func (c *Code) I32Ne() *Code       { return c.Op(OpI32Ne) }
func (c *Code) Drop() *Code        { return c.Op(OpDrop) }
func (c *Code) Unreachable() *Code { return c.Op(OpUnreachable) }
func (c *Code) End() *Code         { return c.Op(OpEnd) }

// If and Loop open a structured instruction without results.
func (c *Code) If() *Code   { return c.Op(OpIf).Op(BlockEmpty) }
func (c *Code) Loop() *Code { return c.Op(OpLoop).Op(BlockEmpty) }

// I32ConstExpr returns the constant expression `i32.const v; end` used to
// initialize globals.
func I32ConstExpr(v int32) []byte {
	var c Code
	c.I32Const(v).End()
	return c.Bytes()
}
