package fs_test

import (
	"strings"
	"testing"

	"github.com/limestonedb/limestone/pkg/fs"
)

const testContentHello = "hello"

func TestAtomicWriteFile_RenameFailureLeavesOriginalIntact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()

	target := dir + "/final.txt"
	if err := real.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatalf("seed original: %v", err)
	}

	chaos := fs.NewChaos(real, fs.ChaosConfig{RenameFailRate: 1.0}, 1)
	writer := fs.NewAtomicWriter(chaos)

	err := writer.WriteWithDefaults(target, strings.NewReader(testContentHello))
	if err == nil {
		t.Fatalf("expected rename failure")
	}

	if !fs.IsChaosErr(err) {
		t.Fatalf("expected chaos-injected error, got %v", err)
	}

	got, err := real.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "original" {
		t.Fatalf("content=%q, want original unchanged after failed rename", string(got))
	}
}

func TestAtomicWriteFile_SucceedsAndIsReadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	target := dir + "/final.txt"

	err := writer.WriteWithDefaults(target, strings.NewReader(testContentHello))
	if err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	got, err := real.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}
}
