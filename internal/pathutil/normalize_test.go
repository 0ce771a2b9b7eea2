package pathutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalize(t *testing.T) {
	dir := t.TempDir()
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	want := filepath.Join(real, "app.db")
	for _, in := range []string{
		filepath.Join(dir, "app.db"),
		filepath.Join(dir, "sub", "..", "app.db"),
		filepath.Join(link, "app.db"),
		"  " + filepath.Join(dir, ".", "app.db") + " ",
	} {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}

	// Once the file exists the result must not change.
	if err := os.WriteFile(want, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Normalize(filepath.Join(link, "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("existing file: got %q want %q", got, want)
	}
}

func TestNormalizeRelative(t *testing.T) {
	got, err := Normalize("rel.db")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	if _, err := Normalize("   "); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("got %v want ErrEmptyPath", err)
	}
}
