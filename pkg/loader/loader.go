// Package loader supplies program images to the kernel by name or index.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Loader is the program-image source the kernel consumes.
type Loader interface {
	// AppByName returns the image called name.
	AppByName(name string) ([]byte, bool)
	// AppByIndex returns the i-th image.
	AppByIndex(i int) ([]byte, bool)
	// NumApps returns how many images there are.
	NumApps() int
}

type app struct {
	name string
	data []byte
}

// Table is an ordered, in-memory set of named images.
type Table struct {
	apps []app
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Add registers an image, replacing any earlier image with the same name.
func (t *Table) Add(name string, data []byte) {
	for i := range t.apps {
		if t.apps[i].name == name {
			t.apps[i].data = data
			return
		}
	}
	t.apps = append(t.apps, app{name: name, data: data})
}

// AppByName implements Loader.
func (t *Table) AppByName(name string) ([]byte, bool) {
	for _, a := range t.apps {
		if a.name == name {
			return a.data, true
		}
	}
	return nil, false
}

// AppByIndex implements Loader.
func (t *Table) AppByIndex(i int) ([]byte, bool) {
	if i < 0 || i >= len(t.apps) {
		return nil, false
	}
	return t.apps[i].data, true
}

// NumApps implements Loader.
func (t *Table) NumApps() int {
	return len(t.apps)
}

// Names returns the image names in order.
func (t *Table) Names() []string {
	names := make([]string, len(t.apps))
	for i, a := range t.apps {
		names[i] = a.name
	}
	return names
}

// LoadDir adds every *.elf file in dir, named by its base name without the
// extension.
func (t *Table) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".elf" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("load %s: %w", e.Name(), err)
		}
		t.Add(strings.TrimSuffix(e.Name(), ".elf"), data)
	}
	return nil
}
