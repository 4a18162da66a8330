package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DirMailbox is a board backed by a shared directory. It exists for tests
// and single-host demos; several nodes pointing at the same root observe
// the same linearized history through the filesystem.
type DirMailbox struct {
	root string
}

// NewDirMailbox creates the root if needed.
func NewDirMailbox(root string) (*DirMailbox, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("mailbox: creating board root: %w", err)
	}
	return &DirMailbox{root: root}, nil
}

// Sync implements Mailbox. The directory is always current.
func (m *DirMailbox) Sync() error { return nil }

// Post implements Mailbox.
func (m *DirMailbox) Post(path string, data []byte) error {
	full := filepath.Join(m.root, filepath.FromSlash(path))
	if existing, err := os.ReadFile(full); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("mailbox: reading %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("mailbox: posting %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".post-*")
	if err != nil {
		return fmt.Errorf("mailbox: posting %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("mailbox: posting %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("mailbox: posting %s: %w", path, err)
	}
	// Link-then-remove keeps the post atomic and refuses to clobber a
	// concurrent winner; rename would silently overwrite it.
	if err := os.Link(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		if errors.Is(err, os.ErrExist) {
			if existing, rerr := os.ReadFile(full); rerr == nil && bytes.Equal(existing, data) {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrConflict, path)
		}
		return fmt.Errorf("mailbox: posting %s: %w", path, err)
	}
	os.Remove(tmp.Name())
	return nil
}

// Read implements Mailbox.
func (m *DirMailbox) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.root, filepath.FromSlash(path)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: reading %s: %w", path, err)
	}
	return data, nil
}

// List implements Mailbox.
func (m *DirMailbox) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, filepath.FromSlash(dir)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: listing %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Name()[0] == '.' {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
