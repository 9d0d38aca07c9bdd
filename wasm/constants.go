package wasm

// Binary format header
const (
	Magic   uint32 = 0x6D736100 // "\0asm"
	Version uint32 = 0x00000001
)

// Section IDs
const (
	SectionCustom   byte = 0
	SectionType     byte = 1
	SectionImport   byte = 2
	SectionFunction byte = 3
	SectionTable    byte = 4
	SectionMemory   byte = 5
	SectionGlobal   byte = 6
	SectionExport   byte = 7
	SectionStart    byte = 8
	SectionElement  byte = 9
	SectionCode     byte = 10
	SectionData     byte = 11
)

// Import/export kinds
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
	KindTag    byte = 4
)

// Value types
const (
	ValI32 ValType = 0x7F
	ValI64 ValType = 0x7E
	ValF32 ValType = 0x7D
	ValF64 ValType = 0x7C
)

// FuncTypeByte introduces a function type in the type section.
const FuncTypeByte byte = 0x60

// Limits flags
const (
	LimitsHasMax   byte = 0x01
	LimitsShared   byte = 0x02
	LimitsMemory64 byte = 0x04
)

// PageSize is the size of a linear memory page.
const PageSize = 65536

// Opcodes used by the synthesized modules.
const (
	OpUnreachable byte = 0x00
	OpLoop        byte = 0x03
	OpIf          byte = 0x04
	OpEnd         byte = 0x0B
	OpBrIf        byte = 0x0D
	OpCall        byte = 0x10
	OpDrop        byte = 0x1A
	OpLocalGet    byte = 0x20
	OpLocalSet    byte = 0x21
	OpLocalTee    byte = 0x22
	OpGlobalGet   byte = 0x23
	OpGlobalSet   byte = 0x24
	OpI32Load     byte = 0x28
	OpI32Store    byte = 0x36
	OpI32Const    byte = 0x41
	OpI32Ne       byte = 0x47
	OpI32Add      byte = 0x6A
	OpI32Sub      byte = 0x6B

	// OpAtomicPrefix introduces the threads proposal instructions.
	OpAtomicPrefix    byte = 0xFE
	OpI32AtomicRmwAdd byte = 0x1E

	// BlockEmpty is the block type of a block without results.
	BlockEmpty byte = 0x40
)
