package hasher

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSum_Stable(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	if a != b {
		t.Fatalf("digest not stable: %s vs %s", a, b)
	}
	if a != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected sha256: %s", a)
	}
	if !IsDigest(a) {
		t.Error("Sum output should be a digest")
	}
}

func TestRecordID_FieldsSeparated(t *testing.T) {
	if RecordID("ab", "c", "project") == RecordID("a", "bc", "project") {
		t.Error("field boundary must change id")
	}
	if RecordID("x", "s", "project") == RecordID("x", "s", "global") {
		t.Error("scope must change id")
	}
	if RecordID("x", "s", "global") != RecordID("x", "s", "global") {
		t.Error("id must be deterministic")
	}
}

func TestIsDigest(t *testing.T) {
	cases := map[string]bool{
		"":                       false,
		"abc":                    false,
		"../../etc/passwd":       false,
		Sum(nil):                 true,
		"Z" + Sum(nil)[1:]:       false,
	}
	for in, want := range cases {
		if got := IsDigest(in); got != want {
			t.Errorf("IsDigest(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizePath_SameFileSameIdentity(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "alias.md")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	want := NormalizePath(target)
	for _, p := range []string{
		filepath.Join(dir, ".", "notes.md"),
		filepath.Join(dir, "sub", "..", "notes.md"),
		link,
	} {
		if got := NormalizePath(p); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestNormalizePath_NotYetCreatedUnderSymlinkedDir(t *testing.T) {
	target := t.TempDir()
	link := filepath.Join(t.TempDir(), "linked")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	before := NormalizePath(filepath.Join(link, "out", "CLAUDE.md"))
	if err := os.MkdirAll(filepath.Join(target, "out"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "out", "CLAUDE.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	after := NormalizePath(filepath.Join(link, "out", "CLAUDE.md"))

	if before != after {
		t.Errorf("before create %q, after create %q", before, after)
	}
	if want := NormalizePath(filepath.Join(target, "out", "CLAUDE.md")); after != want {
		t.Errorf("got %q, want %q", after, want)
	}
}
