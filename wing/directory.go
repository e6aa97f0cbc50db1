package wing

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed directory.yaml
var defaultDirectory []byte

// DirectoryEntry pairs a parameter name with its node id.
type DirectoryEntry struct {
	Name string `yaml:"name" json:"name"`
	ID   uint32 `yaml:"id" json:"id"`
}

// Directory is an immutable bijection between parameter names and node ids.
type Directory struct {
	byName  map[string]uint32
	byID    map[uint32]string
	entries []DirectoryEntry
}

type directoryFile struct {
	Entries []DirectoryEntry `yaml:"entries"`
}

// NewDirectory builds a Directory, rejecting empty names and any name or id
// that appears twice.
func NewDirectory(entries []DirectoryEntry) (*Directory, error) {
	d := &Directory{
		byName:  make(map[string]uint32, len(entries)),
		byID:    make(map[uint32]string, len(entries)),
		entries: make([]DirectoryEntry, 0, len(entries)),
	}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("directory entry with id %d has no name", e.ID)
		}
		if id, ok := d.byName[e.Name]; ok {
			return nil, fmt.Errorf("directory name %q mapped to both %d and %d", e.Name, id, e.ID)
		}
		if name, ok := d.byID[e.ID]; ok {
			return nil, fmt.Errorf("directory id %d mapped to both %q and %q", e.ID, name, e.Name)
		}
		d.byName[e.Name] = e.ID
		d.byID[e.ID] = e.Name
		d.entries = append(d.entries, e)
	}
	sort.Slice(d.entries, func(i, j int) bool { return d.entries[i].Name < d.entries[j].Name })
	return d, nil
}

// ParseDirectory reads a YAML directory table.
func ParseDirectory(data []byte) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	return NewDirectory(f.Entries)
}

// NameToID looks up name.
func (d *Directory) NameToID(name string) (uint32, error) {
	if id, ok := d.byName[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("name %q: %w", name, ErrNotFound)
}

// IDToName looks up id.
func (d *Directory) IDToName(id uint32) (string, error) {
	if name, ok := d.byID[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("id %d: %w", id, ErrNotFound)
}

// Len returns the number of entries.
func (d *Directory) Len() int { return len(d.entries) }

// Entries returns a copy of all entries sorted by name.
func (d *Directory) Entries() []DirectoryEntry {
	out := make([]DirectoryEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Process-wide directory, set exactly once.
var (
	dirOnce sync.Once
	dir     *Directory
	dirErr  error
)

// LoadDirectory installs d as the process-wide directory. It must run before
// the first lookup or Connect; afterwards it returns ErrDirectoryLoaded.
func LoadDirectory(d *Directory) error {
	if d == nil {
		return fmt.Errorf("load directory: nil directory")
	}
	installed := false
	dirOnce.Do(func() {
		dir = d
		installed = true
	})
	if !installed {
		return ErrDirectoryLoaded
	}
	return nil
}

// LoadDirectoryFile parses the YAML table at path and installs it.
func LoadDirectoryFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}
	d, err := ParseDirectory(data)
	if err != nil {
		return err
	}
	return LoadDirectory(d)
}

// EnsureDirectory installs the built-in table unless one is already loaded.
func EnsureDirectory() error {
	dirOnce.Do(func() {
		dir, dirErr = ParseDirectory(defaultDirectory)
	})
	return dirErr
}

func currentDirectory() (*Directory, error) {
	if err := EnsureDirectory(); err != nil {
		return nil, err
	}
	return dir, nil
}

// NameToID returns the node id for a parameter name, or ErrNotFound.
func NameToID(name string) (uint32, error) {
	d, err := currentDirectory()
	if err != nil {
		return 0, err
	}
	return d.NameToID(name)
}

// IDToName returns the parameter name for a node id, or ErrNotFound.
func IDToName(id uint32) (string, error) {
	d, err := currentDirectory()
	if err != nil {
		return "", err
	}
	return d.IDToName(id)
}

// IDToNameInto copies the name for id into buf. It returns the bytes written
// and ErrBufferTooSmall when the name was truncated.
func IDToNameInto(id uint32, buf []byte) (int, error) {
	name, err := IDToName(id)
	if err != nil {
		return 0, err
	}
	return copyOut(buf, name)
}

// DirectoryEntries returns the process-wide entries sorted by name.
func DirectoryEntries() ([]DirectoryEntry, error) {
	d, err := currentDirectory()
	if err != nil {
		return nil, err
	}
	return d.Entries(), nil
}
