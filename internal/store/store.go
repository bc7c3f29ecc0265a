// Package store persists task entries keyed by task name.
//
// Memory keeps entries for the process lifetime. Disk and SQLite are durable
// backends that encode values through a per-task codec. Tiered puts Memory in
// front of a durable backend. All implementations are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"quiche/internal/codec"
	"quiche/internal/domain"
)

// Store is the capability set the evaluator needs. A missing key is reported
// as found=false, never as an error.
type Store interface {
	Get(ctx context.Context, name string) (domain.Entry, bool, error)
	Put(ctx context.Context, name string, e domain.Entry) error
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]domain.EntryInfo, error)
	Clear(ctx context.Context) error
}

// VersionFloor is implemented by durable stores that can report the highest
// version they hold.
type VersionFloor interface {
	MaxVersion(ctx context.Context) (uint64, error)
}

// CodecFunc picks the codec for a task name.
type CodecFunc func(name string) codec.Codec

var (
	ErrPersist = errors.New("persist failed")
	ErrCorrupt = errors.New("corrupt cache record")
)

// PersistError reports a failed durable write. It is non-fatal: the entry
// may still be held in memory.
type PersistError struct {
	Name string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %q: %v", e.Name, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

func (e *PersistError) Is(target error) bool { return target == ErrPersist }

func persistErr(name string, err error) error {
	var pe *PersistError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistError{Name: name, Err: err}
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

func codecOrDefault(fn CodecFunc, name string) codec.Codec {
	if fn == nil {
		return codec.Default
	}
	if c := fn(name); c != nil {
		return c
	}
	return codec.Default
}
