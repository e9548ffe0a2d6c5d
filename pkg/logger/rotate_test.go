package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditFileRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	f, err := openAuditFile(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()
	// 1 MB limit, write two payloads just over half each: the second
	// write must land in a fresh file with the first moved to .1.
	payload := strings.Repeat("x", 600*1024)
	for i := 0; i < 2; i++ {
		if _, err := f.Write([]byte(payload)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	live, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat live file: %v", err)
	}
	if live.Size() != int64(len(payload)) {
		t.Fatalf("live size = %d, want %d", live.Size(), len(payload))
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
}

func TestAuditFileResumesExistingSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	if err := os.WriteFile(path, []byte("existing\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	f, err := openAuditFile(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("appended\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f.written != int64(len("existing\n")+len("appended\n")) {
		t.Fatalf("written = %d", f.written)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "existing\nappended\n" {
		t.Fatalf("content = %q", data)
	}
}

func TestOpenAuditFileRequiresPath(t *testing.T) {
	if _, err := openAuditFile("", 1, 1, 1); err == nil {
		t.Fatal("empty path accepted")
	}
}
