// Package git resolves branch heads by shelling out to `git ls-remote`.
// Only the orchestrator needs revision resolution; actual checkouts
// happen inside the agents.
package git

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"forgeos.build/internal/core/logger"
)

const resolveTimeout = 15 * time.Second

type Resolver struct {
	log *slog.Logger
}

func NewResolver() *Resolver {
	return &Resolver{log: logger.Component("git")}
}

// ResolveRevision pins a branch to its current commit so every stage of
// one build request sees the same source state.
func (r *Resolver) ResolveRevision(ctx context.Context, repository, branch string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-remote", repository, "refs/heads/"+branch)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.log.Warn("git ls-remote failed", "repository", repository, "error", err, "stderr", stderr.String())
		return "", fmt.Errorf("ls-remote %s: %w", repository, err)
	}

	// Format: <sha>\trefs/heads/<branch>
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		if parts[1] == "refs/heads/"+branch {
			return parts[0], nil
		}
	}

	return "", fmt.Errorf("branch %s not found in %s", branch, repository)
}
