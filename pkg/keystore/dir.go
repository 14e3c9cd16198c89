package keystore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DirStore keeps one YAML file per tag, named <UID>.yaml, in a directory.
// Saves write a temporary file and rename it over the old one.
type DirStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// OpenDir opens (creating if needed) a directory store.
func OpenDir(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("key store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key store directory: %w", err)
	}
	return &DirStore{dir: dir, now: time.Now}, nil
}

func (d *DirStore) path(uid [7]byte) string {
	return filepath.Join(d.dir, FormatUID(uid)+".yaml")
}

func (d *DirStore) Load(_ context.Context, uid [7]byte) (*Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, err := os.ReadFile(d.path(uid))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", FormatUID(uid), err)
	}
	r, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	if r.UID != uid {
		return nil, fmt.Errorf("record file %s holds UID %s", d.path(uid), r.UIDHex())
	}
	return r, nil
}

func (d *DirStore) Save(_ context.Context, rec *Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec.LastModified = d.now().UTC()
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.dir, "."+rec.UIDHex()+".*.tmp")
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.UIDHex(), err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save record %s: %w", rec.UIDHex(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save record %s: %w", rec.UIDHex(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save record %s: %w", rec.UIDHex(), err)
	}
	if err := os.Rename(tmp.Name(), d.path(rec.UID)); err != nil {
		return fmt.Errorf("save record %s: %w", rec.UIDHex(), err)
	}
	return nil
}

func (d *DirStore) List(ctx context.Context) ([]*Record, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("list key store: %w", err)
	}
	var out []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		uid, err := ParseUID(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		r, err := d.Load(ctx, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UIDHex() < out[j].UIDHex() })
	return out, nil
}

func (d *DirStore) Close() error { return nil }
