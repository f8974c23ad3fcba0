// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// FileStorage persists the slab with plain file operations, rewriting the
// whole image on every save.
type FileStorage struct {
	path string
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (fst *FileStorage) Load() ([]Record, error) {
	data, err := os.ReadFile(fst.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return decodeSlab(data), nil
}

func (fst *FileStorage) Save(records []Record) error {
	data := make([]byte, totalSize)
	encodeSlab(data, records)
	if err := os.WriteFile(fst.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	return nil
}

func (fst *FileStorage) Close() error { return nil }
