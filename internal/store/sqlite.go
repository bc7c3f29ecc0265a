package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quiche/internal/domain"
)

// SQLite keeps one row per task name in the entries table. The schema is
// created by the migrate package.
type SQLite struct {
	DB     *sql.DB
	Codecs CodecFunc
}

func NewSQLite(db *sql.DB, codecs CodecFunc) *SQLite {
	return &SQLite{DB: db, Codecs: codecs}
}

func (s *SQLite) Get(ctx context.Context, name string) (domain.Entry, bool, error) {
	var (
		version  uint64
		sum      string
		data     []byte
		computed string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT version, checksum, data, computed_at FROM entries WHERE name=?`, name).
		Scan(&version, &sum, &data, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, false, nil
	}
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("select entry %q: %w", name, err)
	}
	if checksum(data) != sum {
		return domain.Entry{}, false, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, name)
	}
	value, err := codecOrDefault(s.Codecs, name).Decode(data)
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return domain.Entry{Name: name, Version: version, Value: value, ComputedAt: parseTime(computed)}, true, nil
}

func (s *SQLite) Put(ctx context.Context, name string, e domain.Entry) error {
	c := codecOrDefault(s.Codecs, name)
	data, err := c.Encode(e.Value)
	if err != nil {
		return persistErr(name, err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(name, err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO entries(name,version,codec,checksum,data,computed_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET version=excluded.version, codec=excluded.codec, checksum=excluded.checksum, data=excluded.data, computed_at=excluded.computed_at`,
		name, e.Version, c.Name(), checksum(data), data, e.ComputedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return persistErr(name, fmt.Errorf("upsert entry: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return persistErr(name, err)
	}
	return nil
}

func (s *SQLite) Has(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE name=?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("count entry %q: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLite) Delete(ctx context.Context, name string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM entries WHERE name=?`, name); err != nil {
		return fmt.Errorf("delete entry %q: %w", name, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]domain.EntryInfo, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name, version, length(data), computed_at FROM entries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	var out []domain.EntryInfo
	for rows.Next() {
		var (
			info     domain.EntryInfo
			computed string
		)
		if err := rows.Scan(&info.Name, &info.Version, &info.Size, &computed); err != nil {
			return nil, err
		}
		info.ComputedAt = parseTime(computed)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

func (s *SQLite) MaxVersion(ctx context.Context) (uint64, error) {
	var v sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, `SELECT MAX(version) FROM entries`).Scan(&v); err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	if !v.Valid || v.Int64 < 0 {
		return 0, nil
	}
	return uint64(v.Int64), nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
