package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/filters"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
	"github.com/truenas/middleware-sub000/internal/runtime/sqldb"
)

const rowsSchema = `
CREATE TABLE IF NOT EXISTS datastore_rows (
	tbl  TEXT    NOT NULL,
	id   BIGINT  NOT NULL,
	data TEXT    NOT NULL,
	PRIMARY KEY (tbl, id)
)`

// SQLStore keeps every table as JSON documents in one SQL table. Filtering
// happens after rows are loaded.
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore creates the backing table if needed.
func NewSQLStore(ctx context.Context, db *sqldb.DB) (*SQLStore, error) {
	if _, err := db.Exec(ctx, rowsSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize datastore schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Open connects to dsn and returns a SQLStore.
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqldb.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) load(ctx context.Context, name string) ([]map[string]any, error) {
	rows, err := s.db.Query(ctx, `SELECT id, data FROM datastore_rows WHERE tbl = ? ORDER BY id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", name, err)
	}
	defer rows.Close()
	var out []map[string]any
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		row := map[string]any{}
		if err := jsoncodec.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("corrupt row %s %d: %w", name, id, err)
		}
		row[IDField] = id
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLStore) get(ctx context.Context, name string, id int64) (map[string]any, error) {
	rows, err := s.db.Query(ctx, `SELECT data FROM datastore_rows WHERE tbl = ? AND id = ?`, name, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.KindNotFound, "%s %d does not exist", name, id)
	}
	var data string
	if err := rows.Scan(&data); err != nil {
		return nil, err
	}
	row := map[string]any{}
	if err := jsoncodec.Unmarshal([]byte(data), &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *SQLStore) Config(ctx context.Context, name string) (map[string]any, error) {
	rows, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.New(errs.KindNotFound, "%s is not configured", name)
	}
	return rows[0], nil
}

func (s *SQLStore) Query(ctx context.Context, name string, f filters.Filters, opts filters.Options) (any, error) {
	rows, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	return filters.Apply(rows, f, opts)
}

func (s *SQLStore) Insert(ctx context.Context, name string, row map[string]any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stored := schema.ApplyPartial(nil, row)
	id, explicit := toID(stored[IDField])
	delete(stored, IDField)
	if !explicit {
		var maxID sql.NullInt64
		err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT MAX(id) FROM datastore_rows WHERE tbl = ?`), name).Scan(&maxID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		id = maxID.Int64 + 1
	}
	data, err := jsoncodec.MarshalString(stored)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO datastore_rows (tbl, id, data) VALUES (?, ?, ?)`), name, id, data); err != nil {
		if explicit {
			return 0, errs.Wrap(errs.KindAlreadyExists, err, fmt.Sprintf("%s %d already exists", name, id))
		}
		return 0, err
	}
	return id, tx.Commit()
}

func (s *SQLStore) Update(ctx context.Context, name string, id int64, patch map[string]any) error {
	row, err := s.get(ctx, name, id)
	if err != nil {
		return err
	}
	merged := schema.ApplyPartial(row, patch)
	delete(merged, IDField)
	data, err := jsoncodec.MarshalString(merged)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `UPDATE datastore_rows SET data = ? WHERE tbl = ? AND id = ?`, data, name, id)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, name string, id int64) error {
	res, err := s.db.Exec(ctx, `DELETE FROM datastore_rows WHERE tbl = ? AND id = ?`, name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, "%s %d does not exist", name, id)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
