// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package registry remembers which bus addresses hold devices, so a
// restarted daemon finds its batteries again without a full address-space
// sweep.
package registry

import "fmt"

// Record is one remembered device.
type Record struct {
	Address int
	Serial  string
}

// Storage persists the discovered device set.
type Storage interface {
	// Load returns the remembered records. A missing backing store is not
	// an error; it loads empty.
	Load() ([]Record, error)

	// Save replaces the stored set.
	Save(records []Record) error

	Close() error
}

// Open constructs the storage selected by type name.
func Open(kind, path, driver, dsn string) (Storage, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "file":
		return NewFileStorage(path), nil
	case "mmap":
		return NewMmapStorage(path)
	case "sql":
		return NewSQLStorage(driver, dsn)
	default:
		return nil, fmt.Errorf("unknown registry storage type %q", kind)
	}
}
