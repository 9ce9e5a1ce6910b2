package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRef_Env(t *testing.T) {
	t.Setenv("SBINSPECT_TEST_SECRET", "top-secret")

	got, err := LoadRef("env:SBINSPECT_TEST_SECRET")
	if err != nil {
		t.Fatalf("LoadRef(env): %v", err)
	}
	if string(got) != "top-secret" {
		t.Fatalf("unexpected env secret: %q", string(got))
	}

	if _, err := LoadRef("env:SBINSPECT_TEST_SECRET_MISSING"); !errors.Is(err, ErrSecretRef) {
		t.Fatalf("missing env: got %v want ErrSecretRef", err)
	}
}

func TestLoadRef_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(path, []byte("  file-secret \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := LoadRef("file:" + path)
	if err != nil {
		t.Fatalf("LoadRef(file): %v", err)
	}
	if string(got) != "file-secret" {
		t.Fatalf("unexpected file secret: %q", string(got))
	}

	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, []byte(" \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadRef("file:" + empty); !errors.Is(err, ErrSecretRef) {
		t.Fatalf("empty file: got %v want ErrSecretRef", err)
	}
}

func TestLoadRef_Raw(t *testing.T) {
	got, err := LoadRef("raw:raw-secret")
	if err != nil {
		t.Fatalf("LoadRef(raw): %v", err)
	}
	if string(got) != "raw-secret" {
		t.Fatalf("unexpected raw secret: %q", string(got))
	}
}

func TestValidateRef(t *testing.T) {
	for _, ref := range []string{"env:X", "file:/run/secrets/token", "raw:abc", " env:X "} {
		if err := ValidateRef(ref); err != nil {
			t.Fatalf("ValidateRef(%q): %v", ref, err)
		}
	}
	for _, ref := range []string{"", "env:", "file: ", "raw:", "vault:secret/x", "plain"} {
		if err := ValidateRef(ref); !errors.Is(err, ErrSecretRef) {
			t.Fatalf("ValidateRef(%q): got %v want ErrSecretRef", ref, err)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("SBINSPECT_TEST_DSN", "postgres://u:p@db/x")

	got, err := Resolve("postgres://literal@db/x")
	if err != nil || got != "postgres://literal@db/x" {
		t.Fatalf("literal: got %q err=%v", got, err)
	}
	got, err = Resolve("env:SBINSPECT_TEST_DSN")
	if err != nil || got != "postgres://u:p@db/x" {
		t.Fatalf("ref: got %q err=%v", got, err)
	}
	if IsRef("postgres://x") || !IsRef("file:/x") {
		t.Fatalf("IsRef mismatch")
	}
}
