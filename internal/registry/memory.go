// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registry

import "sync"

// MemoryStorage keeps the device set in memory only. Useful for tests and
// for setups that prefer a clean scan on every start.
type MemoryStorage struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() ([]Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]Record(nil), ms.records...), nil
}

func (ms *MemoryStorage) Save(records []Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.records = append([]Record(nil), records...)
	return nil
}

func (ms *MemoryStorage) Close() error { return nil }
