package source

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mrrifat/multibot/internal/fault"
)

// SpoolArchive copies an uploaded archive stream to a temp file under
// the workspace root, enforcing the size ceiling before anything else
// touches the upload. It returns the spool path and the SHA-256 hex of
// the stream, which serves as the deployment's source ref.
func (w *Workspaces) SpoolArchive(r io.Reader, maxBytes int64) (string, string, error) {
	spoolDir := filepath.Join(w.root, ".uploads")
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create spool dir: %w", err)
	}
	path := filepath.Join(spoolDir, uuid.NewString()+".zip")
	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("create spool file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(r, maxBytes+1))
	if err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("%w: read archive stream: %v", fault.ErrFetch, err)
	}
	if written > maxBytes {
		os.Remove(path)
		return "", "", fmt.Errorf("%w: archive exceeds %d byte limit", fault.ErrValidation, maxBytes)
	}
	if written == 0 {
		os.Remove(path)
		return "", "", fmt.Errorf("%w: archive is empty", fault.ErrValidation)
	}
	return path, hex.EncodeToString(hasher.Sum(nil)), nil
}

// ExtractArchive validates the zip at spoolPath and unpacks it into a
// freshly prepared workspace for the bot. Every entry is validated
// before any file is written, so a rejected archive extracts nothing.
func (w *Workspaces) ExtractArchive(botName, spoolPath string, maxBytes int64) (string, error) {
	zr, err := zip.OpenReader(spoolPath)
	if err != nil {
		return "", fmt.Errorf("%w: not a valid zip archive", fault.ErrValidation)
	}
	defer zr.Close()

	var declared int64
	for _, f := range zr.File {
		if err := validateEntryName(f.Name); err != nil {
			return "", err
		}
		declared += int64(f.UncompressedSize64)
		if declared > maxBytes {
			return "", fmt.Errorf("%w: archive contents exceed %d byte limit", fault.ErrValidation, maxBytes)
		}
	}

	dir, err := w.Prepare(botName)
	if err != nil {
		return "", err
	}
	var total int64
	for _, f := range zr.File {
		if err := extractEntry(dir, f, maxBytes, &total); err != nil {
			// Leave no partial extraction behind.
			_ = w.Cleanup(dir)
			return "", err
		}
	}
	return dir, nil
}

func validateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: archive entry with empty name", fault.ErrValidation)
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") || filepath.IsAbs(name) {
		return fmt.Errorf("%w: archive entry %q has absolute path", fault.ErrValidation, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("%w: archive entry %q escapes extraction root", fault.ErrValidation, name)
		}
	}
	return nil
}

func extractEntry(dir string, f *zip.File, maxBytes int64, total *int64) error {
	target := filepath.Join(dir, filepath.FromSlash(f.Name))
	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open archive entry %q", fault.ErrValidation, f.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o200)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	// The declared sizes passed validation, but the actual inflate is
	// capped too in case the header lies.
	written, err := io.Copy(out, io.LimitReader(rc, maxBytes-*total+1))
	if err != nil {
		return fmt.Errorf("%w: extract %q: %v", fault.ErrValidation, f.Name, err)
	}
	*total += written
	if *total > maxBytes {
		return fmt.Errorf("%w: archive contents exceed %d byte limit", fault.ErrValidation, maxBytes)
	}
	return nil
}

// DiscardSpool removes a spooled upload.
func DiscardSpool(path string) {
	if path != "" {
		os.Remove(path)
	}
}
