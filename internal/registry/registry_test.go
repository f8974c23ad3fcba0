// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registry

import (
	"path/filepath"
	"testing"
)

var sample = []Record{
	{Address: 2, Serial: "100000"},
	{Address: 5, Serial: "100001"},
	{Address: 254, Serial: "100002"},
}

func checkRoundTrip(t *testing.T, s Storage) {
	t.Helper()
	if err := s.Save(sample); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != len(sample) {
		t.Fatalf("Load() = %v, want %v", got, sample)
	}
	for i, r := range got {
		if r != sample[i] {
			t.Errorf("record[%d] = %v, want %v", i, r, sample[i])
		}
	}
}

func TestMemoryStorage(t *testing.T) {
	checkRoundTrip(t, NewMemoryStorage())
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.dat")
	s := NewFileStorage(path)
	checkRoundTrip(t, s)

	// A fresh storage over the same file sees the saved set.
	again, err := NewFileStorage(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(again) != len(sample) {
		t.Errorf("reloaded %d records, want %d", len(again), len(sample))
	}
}

func TestFileStorageLoadsEmptyWhenMissing(t *testing.T) {
	s := NewFileStorage(filepath.Join(t.TempDir(), "missing.dat"))
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load() = %v, want empty", got)
	}
}

func TestMmapStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.mmap")
	s, err := NewMmapStorage(path)
	if err != nil {
		t.Fatalf("NewMmapStorage() error = %v", err)
	}
	checkRoundTrip(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := NewMmapStorage(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()
	again, err := s2.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(again) != len(sample) {
		t.Errorf("reloaded %d records, want %d", len(again), len(sample))
	}
}

func TestSlabTruncatesLongSerial(t *testing.T) {
	data := make([]byte, totalSize)
	encodeSlab(data, []Record{{Address: 3, Serial: "0123456789ABCDEFXYZ"}})
	got := decodeSlab(data)
	if len(got) != 1 {
		t.Fatalf("decoded %d records, want 1", len(got))
	}
	if got[0].Serial != "0123456789ABCDEF" {
		t.Errorf("serial = %q, want 16-byte prefix", got[0].Serial)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := Open("bogus", "", "", ""); err == nil {
		t.Error("Open() accepted unknown storage type")
	}
}
