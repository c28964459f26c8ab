package merge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/common/apperr"
	"github.com/openclaw/openclaw/internal/common/logger"
	"github.com/openclaw/openclaw/internal/models"
)

// GitService integrates a task branch into a repository's target branch and
// returns the resulting merge commit.
type GitService interface {
	Merge(ctx context.Context, repoPath, branch, target string, strategy models.MergeStrategy) (string, error)
}

// CLIGit runs the system git binary in the repository working copy.
type CLIGit struct {
	logger *logger.Logger
}

// NewCLIGit creates a git CLI runner.
func NewCLIGit(log *logger.Logger) *CLIGit {
	return &CLIGit{logger: log}
}

// Merge integrates branch into target using the given strategy and returns
// the commit hash target now points at.
func (g *CLIGit) Merge(ctx context.Context, repoPath, branch, target string, strategy models.MergeStrategy) (string, error) {
	commitMsg := fmt.Sprintf("Merge branch '%s' into %s", branch, target)

	switch strategy {
	case models.StrategyRebase:
		if _, err := g.run(ctx, repoPath, "checkout", branch); err != nil {
			return "", err
		}
		if _, err := g.run(ctx, repoPath, "rebase", target); err != nil {
			g.abort(repoPath, "rebase")
			return "", err
		}
		if _, err := g.run(ctx, repoPath, "checkout", target); err != nil {
			return "", err
		}
		if _, err := g.run(ctx, repoPath, "merge", "--ff-only", branch); err != nil {
			return "", err
		}
	case models.StrategySquash:
		if _, err := g.run(ctx, repoPath, "checkout", target); err != nil {
			return "", err
		}
		if _, err := g.run(ctx, repoPath, "merge", "--squash", branch); err != nil {
			g.abort(repoPath, "merge")
			return "", err
		}
		if _, err := g.run(ctx, repoPath, "commit", "-m", commitMsg); err != nil {
			return "", err
		}
	default:
		if _, err := g.run(ctx, repoPath, "checkout", target); err != nil {
			return "", err
		}
		if _, err := g.run(ctx, repoPath, "merge", "--no-ff", "-m", commitMsg, branch); err != nil {
			g.abort(repoPath, "merge")
			return "", err
		}
	}

	out, err := g.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *CLIGit) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		g.logger.Error("git command failed",
			zap.Strings("args", args),
			zap.String("output", string(output)),
			zap.Error(err))
		return "", apperr.New(apperr.External, "git %s: %s", args[0], strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// abort cleans up a half-applied merge or rebase so the working copy is
// usable for the next job. Best effort.
func (g *CLIGit) abort(repoPath, op string) {
	cmd := exec.Command("git", op, "--abort")
	cmd.Dir = repoPath
	_ = cmd.Run()
}
