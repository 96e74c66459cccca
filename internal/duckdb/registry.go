package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/registry"
)

func registryTable(kind string) (string, error) {
	switch kind {
	case model.KindUsers:
		return "users", nil
	case model.KindServers:
		return "servers", nil
	}
	return "", fmt.Errorf("duckdb: unknown registry kind %q", kind)
}

// LoadRegistry returns the persisted name to id map for kind.
func (s *Store) LoadRegistry(ctx context.Context, kind string) (map[string]int64, error) {
	table, err := registryTable(kind)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT name, id FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("duckdb: load %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("duckdb: scan %s: %w", kind, err)
		}
		out[name] = id
	}
	return out, rows.Err()
}

// Names returns the id to name map for kind.
func (s *Store) Names(ctx context.Context, kind string) (map[int64]string, error) {
	byName, err := s.LoadRegistry(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(byName))
	for name, id := range byName {
		out[id] = name
	}
	return out, nil
}

// appendRegistryTx inserts new entries, tolerating entries that already
// exist with the same id. A name or id bound differently is a conflict.
func appendRegistryTx(ctx context.Context, tx *sql.Tx, kind string, entries []model.RegistryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	table, err := registryTable(kind)
	if err != nil {
		return err
	}

	byName, err := tx.PrepareContext(ctx, "SELECT id FROM "+table+" WHERE name = ?")
	if err != nil {
		return err
	}
	defer byName.Close()
	byID, err := tx.PrepareContext(ctx, "SELECT name FROM "+table+" WHERE id = ?")
	if err != nil {
		return err
	}
	defer byID.Close()
	insert, err := tx.PrepareContext(ctx, "INSERT INTO "+table+" (name, id) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer insert.Close()

	for _, e := range entries {
		var existing int64
		err := byName.QueryRowContext(ctx, e.Name).Scan(&existing)
		switch {
		case err == nil && existing == e.ID:
			continue
		case err == nil:
			return &registry.ConflictError{Kind: kind, Name: e.Name, Existing: existing, Proposed: e.ID}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("duckdb: lookup %s %q: %w", kind, e.Name, err)
		}

		var owner string
		err = byID.QueryRowContext(ctx, e.ID).Scan(&owner)
		switch {
		case err == nil:
			return &registry.ConflictError{Kind: kind, Name: e.Name, Proposed: e.ID, Holder: owner}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("duckdb: lookup %s id %d: %w", kind, e.ID, err)
		}

		if _, err := insert.ExecContext(ctx, e.Name, e.ID); err != nil {
			return fmt.Errorf("duckdb: insert %s %q: %w", kind, e.Name, err)
		}
	}
	return nil
}
