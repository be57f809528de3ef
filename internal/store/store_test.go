package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFile(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "state.yaml"))
	got, err := f.LoadLastIndex()
	if err != nil {
		t.Fatalf("LoadLastIndex() error = %v", err)
	}
	if got != -1 {
		t.Errorf("LoadLastIndex() = %d, want -1", got)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	f := New(path)

	for _, want := range []int{0, 2, 1} {
		if err := f.SaveLastIndex(want); err != nil {
			t.Fatalf("SaveLastIndex(%d) error = %v", want, err)
		}
		got, err := f.LoadLastIndex()
		if err != nil {
			t.Fatalf("LoadLastIndex() error = %v", err)
		}
		if got != want {
			t.Errorf("LoadLastIndex() = %d, want %d", got, want)
		}
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the state file", len(entries))
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("last_index: [oops"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path).LoadLastIndex(); err == nil {
		t.Error("LoadLastIndex() should fail on malformed YAML")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := New(path).LoadLastIndex()
	if err != nil {
		t.Fatalf("LoadLastIndex() error = %v", err)
	}
	if got != -1 {
		t.Errorf("LoadLastIndex() = %d, want -1", got)
	}
}
