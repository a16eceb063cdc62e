// Package source acquires bot source code: git checkouts and validated
// archive uploads, staged into per-bot workspace directories.
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mrrifat/multibot/internal/fault"
)

// Workspaces owns per-bot working directories under a common root.
type Workspaces struct {
	root string
}

// NewWorkspaces ensures the workspace root exists and is accessible.
func NewWorkspaces(root string) (*Workspaces, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspaces{root: root}, nil
}

// Dir returns the bot's workspace path without creating it.
func (w *Workspaces) Dir(botName string) string {
	return filepath.Join(w.root, botName)
}

// Prepare wipes and recreates the bot's workspace so no files from a
// previous deployment survive.
func (w *Workspaces) Prepare(botName string) (string, error) {
	if botName == "" {
		return "", fmt.Errorf("%w: bot name cannot be empty", fault.ErrValidation)
	}
	dir := w.Dir(botName)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Ensure creates the bot's workspace if it does not already exist. An
// existing checkout is left in place so repository updates can fetch
// instead of re-cloning.
func (w *Workspaces) Ensure(botName string) (string, error) {
	if botName == "" {
		return "", fmt.Errorf("%w: bot name cannot be empty", fault.ErrValidation)
	}
	dir := w.Dir(botName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a workspace directory, refusing paths outside root.
func (w *Workspaces) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupBot removes the workspace associated with the bot.
func (w *Workspaces) CleanupBot(botName string) error {
	if botName == "" {
		return fmt.Errorf("%w: bot name cannot be empty", fault.ErrValidation)
	}
	return w.Cleanup(w.Dir(botName))
}
