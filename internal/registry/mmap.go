// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registry

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MmapStorage persists the slab through a memory-mapped file: saves are
// in-place writes to the mapping, flushed to the file at the end of each
// Save.
type MmapStorage struct {
	file *os.File
	data mmap.MMap
}

// NewMmapStorage opens (creating and sizing if necessary) the backing file
// and maps it.
func NewMmapStorage(path string) (*MmapStorage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat registry file: %w", err)
	}
	if info.Size() != totalSize {
		if err := f.Truncate(totalSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size registry file: %w", err)
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap registry file: %w", err)
	}
	return &MmapStorage{file: f, data: data}, nil
}

func (ms *MmapStorage) Load() ([]Record, error) {
	return decodeSlab(ms.data), nil
}

func (ms *MmapStorage) Save(records []Record) error {
	encodeSlab(ms.data, records)
	if err := ms.data.Flush(); err != nil {
		return fmt.Errorf("failed to flush registry mmap: %w", err)
	}
	return nil
}

func (ms *MmapStorage) Close() error {
	if ms.data != nil {
		if err := ms.data.Unmap(); err != nil {
			ms.file.Close()
			return err
		}
		ms.data = nil
	}
	return ms.file.Close()
}
