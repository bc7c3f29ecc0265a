package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"quiche/internal/domain"
)

const recordExt = ".rec"

// Disk keeps one record file per task name in Dir.
//
// Layout:
//
//	{Dir}/
//	  {slug}_{base64url(name)}.rec   JSON record: name, version, codec, checksum, data
//
// Records are written to a temp file in Dir and renamed into place, so a
// crash never leaves a partial record at the canonical path.
type Disk struct {
	Dir    string
	Codecs CodecFunc
}

func NewDisk(dir string, codecs CodecFunc) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Disk{Dir: dir, Codecs: codecs}, nil
}

type diskRecord struct {
	Name       string    `json:"name"`
	Version    uint64    `json:"version"`
	Codec      string    `json:"codec"`
	Checksum   string    `json:"checksum"`
	ComputedAt time.Time `json:"computed_at"`
	Data       []byte    `json:"data"`
}

func (d *Disk) Get(_ context.Context, name string) (domain.Entry, bool, error) {
	rec, ok, err := d.read(d.path(name))
	if err != nil || !ok {
		return domain.Entry{}, ok, err
	}
	if rec.Name != name {
		return domain.Entry{}, false, fmt.Errorf("%w: record for %q holds %q", ErrCorrupt, name, rec.Name)
	}
	c := codecOrDefault(d.Codecs, name)
	value, err := c.Decode(rec.Data)
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return domain.Entry{Name: name, Version: rec.Version, Value: value, ComputedAt: rec.ComputedAt}, true, nil
}

func (d *Disk) read(path string) (diskRecord, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return diskRecord{}, false, nil
		}
		return diskRecord{}, false, fmt.Errorf("read record: %w", err)
	}
	var rec diskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return diskRecord{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), err)
	}
	if checksum(rec.Data) != rec.Checksum {
		return diskRecord{}, false, fmt.Errorf("%w: %s: checksum mismatch", ErrCorrupt, filepath.Base(path))
	}
	return rec, true, nil
}

func (d *Disk) Put(_ context.Context, name string, e domain.Entry) error {
	c := codecOrDefault(d.Codecs, name)
	payload, err := c.Encode(e.Value)
	if err != nil {
		return persistErr(name, err)
	}
	rec := diskRecord{
		Name:       name,
		Version:    e.Version,
		Codec:      c.Name(),
		Checksum:   checksum(payload),
		ComputedAt: e.ComputedAt,
		Data:       payload,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return persistErr(name, err)
	}
	if err := writeFileAtomic(d.path(name), data, 0o644); err != nil {
		return persistErr(name, err)
	}
	return nil
}

func (d *Disk) Has(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(d.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat record: %w", err)
	}
	return true, nil
}

func (d *Disk) Delete(_ context.Context, name string) error {
	if err := os.Remove(d.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// List skips unreadable records; they read as misses anyway.
func (d *Disk) List(_ context.Context) ([]domain.EntryInfo, error) {
	paths, err := d.records()
	if err != nil {
		return nil, err
	}
	out := make([]domain.EntryInfo, 0, len(paths))
	for _, p := range paths {
		rec, ok, err := d.read(p)
		if err != nil || !ok {
			continue
		}
		out = append(out, domain.EntryInfo{Name: rec.Name, Version: rec.Version, Size: len(rec.Data), ComputedAt: rec.ComputedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Disk) Clear(_ context.Context) error {
	paths, err := d.records()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove record: %w", err)
		}
	}
	return nil
}

func (d *Disk) MaxVersion(ctx context.Context) (uint64, error) {
	infos, err := d.List(ctx)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, info := range infos {
		v = max(v, info.Version)
	}
	return v, nil
}

func (d *Disk) records() ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		out = append(out, filepath.Join(d.Dir, e.Name()))
	}
	return out, nil
}

func (d *Disk) path(name string) string {
	return filepath.Join(d.Dir, FileName(name))
}

// FileName encodes a task name as a safe, reversible file name: a readable
// slug followed by the URL-safe base64 of the full name.
func FileName(name string) string {
	var b strings.Builder
	running := false
	for _, c := range name {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			if running {
				b.WriteByte('-')
			}
			b.WriteRune(c)
			running = false
			continue
		}
		running = true
	}
	if running {
		b.WriteByte('-')
	}
	return b.String() + "_" + base64.RawURLEncoding.EncodeToString([]byte(name)) + recordExt
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-record-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
