// Package store persists the single-device rotation index across process
// restarts.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File keeps the last served device index in a small YAML file.
type File struct {
	Path string
}

type state struct {
	LastIndex int `yaml:"last_index"`
}

// New returns a File store at path.
func New(path string) *File {
	return &File{Path: path}
}

// LoadLastIndex returns the saved index, or -1 if nothing has been saved yet.
func (f *File) LoadLastIndex() (int, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("store: reading %s: %w", f.Path, err)
	}

	st := state{LastIndex: -1}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return -1, fmt.Errorf("store: parsing %s: %w", f.Path, err)
	}
	return st.LastIndex, nil
}

// SaveLastIndex writes index through a temporary file so a crash never
// leaves a half-written state file behind.
func (f *File) SaveLastIndex(index int) error {
	data, err := yaml.Marshal(state{LastIndex: index})
	if err != nil {
		return fmt.Errorf("store: encoding: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("store: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: writing: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("store: replacing %s: %w", f.Path, err)
	}
	return nil
}
