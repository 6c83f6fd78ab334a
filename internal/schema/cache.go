package schema

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const snapshotVersion = 1

// Cache memoizes a Describer for the process lifetime. When Path is set
// the description is also persisted as a msgpack snapshot so later runs
// skip the metadata round-trip until Invalidate is called.
type Cache struct {
	Source Describer
	Path   string
	Logger *slog.Logger

	mu     sync.Mutex
	desc   Description
	loaded bool
}

func NewCache(source Describer, path string, logger *slog.Logger) *Cache {
	return &Cache{Source: source, Path: path, Logger: logger}
}

func (c *Cache) Describe(ctx context.Context) (Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.desc.Clone(), nil
	}
	if c.Path != "" {
		desc, err := readSnapshotFile(c.Path)
		switch {
		case err == nil:
			c.store(desc)
			return desc.Clone(), nil
		case !errors.Is(err, fs.ErrNotExist):
			c.warn("ignoring unreadable schema snapshot", err)
		}
	}
	if c.Source == nil {
		return Description{}, fmt.Errorf("%w: no schema source configured", ErrIntrospection)
	}

	desc, err := c.Source.Describe(ctx)
	if err != nil {
		return Description{}, err
	}
	c.store(desc)
	if c.Path != "" {
		if err := writeSnapshotFile(c.Path, desc); err != nil {
			c.warn("failed to persist schema snapshot", err)
		}
	}
	return desc.Clone(), nil
}

// Invalidate drops the memoized description and any persisted snapshot.
func (c *Cache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desc = Description{}
	c.loaded = false
	if c.Path == "" {
		return nil
	}
	if err := os.Remove(c.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove schema snapshot: %w", err)
	}
	return nil
}

func (c *Cache) Refresh(ctx context.Context) (Description, error) {
	if err := c.Invalidate(); err != nil {
		return Description{}, err
	}
	return c.Describe(ctx)
}

func (c *Cache) store(desc Description) {
	c.desc = desc.Clone()
	c.loaded = true
}

func (c *Cache) warn(msg string, err error) {
	if c.Logger == nil {
		return
	}
	c.Logger.Warn(msg, slog.String("path", c.Path), slog.Any("error", err))
}

type snapshot struct {
	Version     int         `msgpack:"version"`
	Description Description `msgpack:"description"`
}

func WriteSnapshot(w io.Writer, desc Description) error {
	if err := msgpack.NewEncoder(w).Encode(snapshot{Version: snapshotVersion, Description: desc}); err != nil {
		return fmt.Errorf("encode schema snapshot: %w", err)
	}
	return nil
}

func ReadSnapshot(r io.Reader) (Description, error) {
	var snap snapshot
	if err := msgpack.NewDecoder(r).Decode(&snap); err != nil {
		return Description{}, fmt.Errorf("decode schema snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return Description{}, fmt.Errorf("unsupported schema snapshot version %d", snap.Version)
	}
	return snap.Description, nil
}

func readSnapshotFile(path string) (Description, error) {
	f, err := os.Open(path)
	if err != nil {
		return Description{}, err
	}
	defer func() { _ = f.Close() }()
	return ReadSnapshot(f)
}

func writeSnapshotFile(path string, desc Description) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".schema-*.msgpack")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := WriteSnapshot(tmp, desc); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
