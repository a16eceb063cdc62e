package source

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mrrifat/multibot/internal/fault"
)

func newWorkspaces(t *testing.T) *Workspaces {
	t.Helper()
	w, err := NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("new workspaces: %v", err)
	}
	return w
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range entries {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func spool(t *testing.T, w *Workspaces, raw []byte) string {
	t.Helper()
	path, _, err := w.SpoolArchive(bytes.NewReader(raw), 1<<20)
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	return path
}

func TestExtractArchive(t *testing.T) {
	w := newWorkspaces(t)
	raw := zipBytes(t, map[string]string{
		"bot.py":           "print('hi')",
		"lib/helpers.py":   "pass",
		"requirements.txt": "requests\n",
	})

	dir, err := w.ExtractArchive("echo-bot", spool(t, w, raw), 1<<20)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	body, err := os.ReadFile(filepath.Join(dir, "lib", "helpers.py"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(body) != "pass" {
		t.Fatalf("unexpected content %q", body)
	}
}

func TestExtractArchiveReplacesStaleWorkspace(t *testing.T) {
	w := newWorkspaces(t)
	first := zipBytes(t, map[string]string{"old.py": "old"})
	if _, err := w.ExtractArchive("echo-bot", spool(t, w, first), 1<<20); err != nil {
		t.Fatalf("first extract: %v", err)
	}
	second := zipBytes(t, map[string]string{"new.py": "new"})
	dir, err := w.ExtractArchive("echo-bot", spool(t, w, second), 1<<20)
	if err != nil {
		t.Fatalf("second extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.py")); !os.IsNotExist(err) {
		t.Fatalf("stale file survived redeploy")
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	w := newWorkspaces(t)
	raw := zipBytes(t, map[string]string{
		"ok.py":              "pass",
		"../../etc/cron.d/x": "* * * * * root evil",
	})

	_, err := w.ExtractArchive("echo-bot", spool(t, w, raw), 1<<20)
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// Nothing may be extracted, not even the benign entry.
	if _, err := os.Stat(filepath.Join(w.Dir("echo-bot"), "ok.py")); !os.IsNotExist(err) {
		t.Fatalf("rejected archive left extracted files behind")
	}
}

func TestExtractArchiveRejectsAbsolutePath(t *testing.T) {
	w := newWorkspaces(t)
	raw := zipBytes(t, map[string]string{"/etc/passwd": "root"})
	if _, err := w.ExtractArchive("echo-bot", spool(t, w, raw), 1<<20); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExtractArchiveRejectsOversizedContents(t *testing.T) {
	w := newWorkspaces(t)
	raw := zipBytes(t, map[string]string{"big.bin": strings.Repeat("a", 4096)})
	_, err := w.ExtractArchive("echo-bot", spool(t, w, raw), 1024)
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, statErr := os.Stat(w.Dir("echo-bot")); !os.IsNotExist(statErr) {
		t.Fatalf("oversized archive left a workspace behind")
	}
}

func TestExtractArchiveRejectsCorruptArchive(t *testing.T) {
	w := newWorkspaces(t)
	if _, err := w.ExtractArchive("echo-bot", spool(t, w, []byte("not a zip")), 1<<20); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSpoolArchiveEnforcesCeiling(t *testing.T) {
	w := newWorkspaces(t)
	_, _, err := w.SpoolArchive(strings.NewReader(strings.Repeat("a", 2048)), 1024)
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSpoolArchiveHashStable(t *testing.T) {
	w := newWorkspaces(t)
	raw := zipBytes(t, map[string]string{"bot.py": "print('hi')"})
	_, sum1, err := w.SpoolArchive(bytes.NewReader(raw), 1<<20)
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	_, sum2, err := w.SpoolArchive(bytes.NewReader(raw), 1<<20)
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	if sum1 != sum2 || len(sum1) != 64 {
		t.Fatalf("unexpected hashes %q %q", sum1, sum2)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	w := newWorkspaces(t)
	outside := t.TempDir()
	if err := w.Cleanup(outside); err == nil {
		t.Fatalf("expected refusal to cleanup outside root")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside directory was removed")
	}
}
