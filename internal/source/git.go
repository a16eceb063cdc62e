package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mrrifat/multibot/internal/fault"
)

// CheckoutRepo clones or updates the bot's repository in dir and checks
// out ref (branch, tag or commit; empty means the remote default
// branch). It returns the resolved commit SHA.
func CheckoutRepo(ctx context.Context, repoURL, dir, ref string) (string, error) {
	if repoURL == "" {
		return "", fmt.Errorf("%w: repository URL cannot be empty", fault.ErrFetch)
	}
	if dir == "" {
		return "", fmt.Errorf("%w: destination cannot be empty", fault.ErrFetch)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if _, err := runGit(ctx, dir, "clone", repoURL, "."); err != nil {
			return "", fmt.Errorf("%w: git clone: %v", fault.ErrFetch, err)
		}
	} else {
		if _, err := runGit(ctx, dir, "fetch", "--all", "--tags", "--prune"); err != nil {
			return "", fmt.Errorf("%w: git fetch: %v", fault.ErrFetch, err)
		}
	}

	target := ref
	if target == "" {
		remote, err := defaultBranch(ctx, dir)
		if err != nil {
			return "", err
		}
		target = remote
	}
	if _, err := runGit(ctx, dir, "checkout", "--detach", target); err != nil {
		// A branch name may only exist on the remote after a fetch.
		if _, retryErr := runGit(ctx, dir, "checkout", "--detach", "origin/"+target); retryErr != nil {
			return "", fmt.Errorf("%w: git checkout %s: %v", fault.ErrFetch, target, err)
		}
	}

	// Untracked leftovers from a previous deployment must not leak into
	// the next build context.
	if _, err := runGit(ctx, dir, "clean", "-fdx"); err != nil {
		return "", fmt.Errorf("%w: git clean: %v", fault.ErrFetch, err)
	}

	sha, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: git rev-parse: %v", fault.ErrFetch, err)
	}
	return strings.TrimSpace(sha), nil
}

func defaultBranch(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err != nil {
		// Detached or freshly cloned mirrors may lack origin/HEAD.
		return "origin/HEAD", nil
	}
	return strings.TrimSpace(out), nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
