package device

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "device_id")
	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(first, "device_") {
		t.Fatalf("unexpected id %q", first)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(first, "device_")); err != nil {
		t.Fatalf("id suffix is not a uuid: %v", err)
	}
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first != second {
		t.Fatalf("id changed across loads: %q != %q", first, second)
	}
}

func TestLoadOrCreateReplacesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_id")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}
}

func TestResolvePrefersConfigured(t *testing.T) {
	id, err := Resolve(" device_fixed ", filepath.Join(t.TempDir(), "unused"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "device_fixed" {
		t.Fatalf("got %q", id)
	}
	if _, err := Resolve("", ""); err == nil {
		t.Fatal("expected error without configured id or file")
	}
}
