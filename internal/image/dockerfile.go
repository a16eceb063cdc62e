package image

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mrrifat/multibot/internal/domain"
	"github.com/mrrifat/multibot/internal/fault"
)

// pythonDockerfile is the template used when a bot ships no Dockerfile.
// Dependencies are installed at build time; environment variables are
// never baked in, they are injected when the container is created.
const pythonDockerfile = `FROM python:3.11-slim

WORKDIR /app

ENV PYTHONUNBUFFERED=1

COPY . .

RUN if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi
`

// EnsureDockerfile makes sure dir contains a Dockerfile, writing the
// runtime template when the source ships none.
func EnsureDockerfile(dir string, rt domain.Runtime) error {
	for _, name := range []string{"Dockerfile", "dockerfile"} {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return nil
		}
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("check dockerfile: %w", err)
		}
	}

	var template string
	switch rt {
	case domain.RuntimePython, "":
		template = pythonDockerfile
	default:
		return fmt.Errorf("%w: unsupported runtime %q", fault.ErrValidation, rt)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(template), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return nil
}

// EnsureBuildContext rejects an empty source directory before the build
// is attempted.
func EnsureBuildContext(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read build context: %w", err)
	}
	files := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files++
	}
	if files == 0 {
		return fmt.Errorf("%w: build context is empty", fault.ErrValidation)
	}
	return nil
}
