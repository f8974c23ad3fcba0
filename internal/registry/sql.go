// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registry

import (
	"database/sql"
	"fmt"
)

// SQLStorage persists the device set in a SQL database.
// Note: the driver (e.g. sqlite3) must be imported by the main package.
type SQLStorage struct {
	db *sql.DB
}

// NewSQLStorage connects and ensures the schema exists.
func NewSQLStorage(driver, dsn string) (*SQLStorage, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	s := &SQLStorage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS zbm_devices (
		address INTEGER PRIMARY KEY,
		serial  TEXT NOT NULL
	)`)
	return err
}

func (s *SQLStorage) Load() ([]Record, error) {
	rows, err := s.db.Query("SELECT address, serial FROM zbm_devices ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("failed to query registry: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Address, &r.Serial); err != nil {
			return nil, fmt.Errorf("failed to scan registry row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStorage) Save(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin registry tx: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM zbm_devices"); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear registry: %w", err)
	}
	for _, r := range records {
		if _, err := tx.Exec("INSERT INTO zbm_devices (address, serial) VALUES (?, ?)", r.Address, r.Serial); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert registry row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
