/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package execstack inspects and clears the executable-stack request of
// ELF shared objects.
//
// An ELF object asks for an executable stack through the PF_X bit of its
// PT_GNU_STACK program header. Hardened loaders refuse to dlopen such an
// object, which makes the ONNX runtime fail to load on some hosts. Clear
// rewrites that one flag word in place, which is what `execstack -c` does.
package execstack

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoGNUStack is returned by Clear when the object has no PT_GNU_STACK
// header, so there is no flag to clear.
var ErrNoGNUStack = errors.New("no PT_GNU_STACK program header")

// Status describes the stack request of one ELF object.
type Status struct {
	Class       elf.Class
	HasGNUStack bool
	// Executable is true iff the PT_GNU_STACK header carries PF_X.
	Executable bool

	flags       uint32
	flagsOffset int64
	byteOrder   binary.ByteOrder
}

// Inspect reports the stack request of the ELF object at path.
func Inspect(path string) (Status, error) {
	f, err := os.Open(path)
	if err != nil {
		return Status{}, err
	}
	defer f.Close() //nolint:errcheck
	return readStatus(f)
}

// Clear removes PF_X from the PT_GNU_STACK header of the ELF object at
// path. It reports whether the file was modified; an object that already
// has a non-executable stack is left untouched.
func Clear(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false, err
	}
	st, err := readStatus(f)
	if err != nil {
		_ = f.Close()
		return false, err
	}
	if !st.HasGNUStack {
		_ = f.Close()
		return false, fmt.Errorf("%s: %w", path, ErrNoGNUStack)
	}
	if !st.Executable {
		return false, f.Close()
	}
	var word [4]byte
	st.byteOrder.PutUint32(word[:], st.flags&^uint32(elf.PF_X))
	if _, err := f.WriteAt(word[:], st.flagsOffset); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("failed to write program header flags of %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return false, err
	}
	return true, f.Close()
}

func readStatus(r io.ReaderAt) (Status, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return Status{}, fmt.Errorf("not an ELF object: %w", err)
	}
	st := Status{Class: ef.Class, byteOrder: ef.ByteOrder}

	switch ef.Class {
	case elf.ELFCLASS64:
		var hdr elf.Header64
		if err := binary.Read(io.NewSectionReader(r, 0, int64(binary.Size(hdr))), ef.ByteOrder, &hdr); err != nil {
			return st, fmt.Errorf("failed to read ELF header: %w", err)
		}
		for idx := range int64(hdr.Phnum) {
			off := int64(hdr.Phoff) + idx*int64(hdr.Phentsize)
			var prog elf.Prog64
			if err := binary.Read(io.NewSectionReader(r, off, int64(binary.Size(prog))), ef.ByteOrder, &prog); err != nil {
				return st, fmt.Errorf("failed to read program header %d: %w", idx, err)
			}
			if elf.ProgType(prog.Type) == elf.PT_GNU_STACK {
				// p_flags directly follows p_type in the 64-bit layout.
				st.setGNUStack(prog.Flags, off+4)
				return st, nil
			}
		}
	case elf.ELFCLASS32:
		var hdr elf.Header32
		if err := binary.Read(io.NewSectionReader(r, 0, int64(binary.Size(hdr))), ef.ByteOrder, &hdr); err != nil {
			return st, fmt.Errorf("failed to read ELF header: %w", err)
		}
		for idx := range int64(hdr.Phnum) {
			off := int64(hdr.Phoff) + idx*int64(hdr.Phentsize)
			var prog elf.Prog32
			if err := binary.Read(io.NewSectionReader(r, off, int64(binary.Size(prog))), ef.ByteOrder, &prog); err != nil {
				return st, fmt.Errorf("failed to read program header %d: %w", idx, err)
			}
			if elf.ProgType(prog.Type) == elf.PT_GNU_STACK {
				// p_flags is the seventh word in the 32-bit layout.
				st.setGNUStack(prog.Flags, off+24)
				return st, nil
			}
		}
	default:
		return st, fmt.Errorf("unsupported ELF class %s", ef.Class)
	}
	return st, nil
}

func (st *Status) setGNUStack(flags uint32, offset int64) {
	st.HasGNUStack = true
	st.Executable = elf.ProgFlag(flags)&elf.PF_X != 0
	st.flags = flags
	st.flagsOffset = offset
}
