package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wippyai/apex-wasm/errors"
)

// MemoryImport is a memory imported by a module.
type MemoryImport struct {
	Module string
	Name   string
	Limits Limits
}

// ImportedMemories decodes the import section of a core module and returns its
// memory imports in declaration order. wazero's compiled module metadata does
// not report whether a memory is shared, which the harness needs to size and
// create the one memory every process imports.
func ImportedMemories(bin []byte) ([]MemoryImport, error) {
	r := bytes.NewReader(bin)

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "truncated module header")
	}
	if binary.LittleEndian.Uint32(header[:4]) != Magic {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "not a wasm module")
	}
	if binary.LittleEndian.Uint32(header[4:]) != Version {
		return nil, errors.InvalidData(errors.PhaseDecode, nil, "unsupported binary version (components are not accepted)")
	}

	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, decodeErr("section id", err)
		}
		size, err := ReadLEB128u(r)
		if err != nil {
			return nil, decodeErr("section size", err)
		}
		if int64(size) > int64(r.Len()) {
			return nil, errors.InvalidData(errors.PhaseDecode, []string{sectionName(id)}, "section exceeds module size")
		}
		if id != SectionImport {
			if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
				return nil, decodeErr("skip section", err)
			}
			continue
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, decodeErr("import section", err)
		}
		return decodeImportMemories(bytes.NewReader(body))
	}
	return nil, nil
}

func decodeImportMemories(r *bytes.Reader) ([]MemoryImport, error) {
	count, err := ReadLEB128u(r)
	if err != nil {
		return nil, decodeErr("import count", err)
	}

	var out []MemoryImport
	for i := uint32(0); i < count; i++ {
		path := []string{"import", fmt.Sprint(i)}
		mod, err := readName(r)
		if err != nil {
			return nil, decodeErrAt(path, "module name", err)
		}
		name, err := readName(r)
		if err != nil {
			return nil, decodeErrAt(path, "field name", err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, decodeErrAt(path, "kind", err)
		}

		switch kind {
		case KindFunc:
			_, err = ReadLEB128u(r)
		case KindTable:
			if _, err = r.ReadByte(); err == nil {
				_, err = readLimits(r)
			}
		case KindMemory:
			var l Limits
			l, err = readLimits(r)
			if err == nil {
				out = append(out, MemoryImport{Module: mod, Name: name, Limits: l})
			}
		case KindGlobal:
			if _, err = r.ReadByte(); err == nil {
				_, err = r.ReadByte()
			}
		case KindTag:
			if _, err = r.ReadByte(); err == nil {
				_, err = ReadLEB128u(r)
			}
		default:
			return nil, errors.InvalidData(errors.PhaseDecode, path, fmt.Sprintf("unknown import kind 0x%02x", kind))
		}
		if err != nil {
			return nil, decodeErrAt(path, "descriptor", err)
		}
	}
	return out, nil
}

func readName(r *bytes.Reader) (string, error) {
	n, err := ReadLEB128u(r)
	if err != nil {
		return "", err
	}
	if int64(n) > int64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

var errMemory64 = fmt.Errorf("64-bit memories are not supported")

func readLimits(r *bytes.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&LimitsMemory64 != 0 {
		return Limits{}, errMemory64
	}
	var l Limits
	l.Shared = flags&LimitsShared != 0
	if l.Min, err = ReadLEB128u64(r); err != nil {
		return Limits{}, err
	}
	if flags&LimitsHasMax != 0 {
		maxPages, err := ReadLEB128u64(r)
		if err != nil {
			return Limits{}, err
		}
		l.Max = &maxPages
	}
	return l, nil
}

func decodeErr(what string, cause error) error {
	return errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, cause, "read "+what)
}

func decodeErrAt(path []string, what string, cause error) error {
	return errors.New(errors.PhaseDecode, errors.KindInvalidData).
		Path(path...).
		Detail("read %s", what).
		Cause(cause).
		Build()
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom"
	case SectionType:
		return "type"
	case SectionImport:
		return "import"
	case SectionFunction:
		return "function"
	case SectionTable:
		return "table"
	case SectionMemory:
		return "memory"
	case SectionGlobal:
		return "global"
	case SectionExport:
		return "export"
	case SectionStart:
		return "start"
	case SectionElement:
		return "element"
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	default:
		return fmt.Sprintf("section_%d", id)
	}
}
