package ingest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sablehq/sable/engine/catalog"
	"github.com/sablehq/sable/engine/domain"
)

// GitCollector shallow-clones (or pulls) a repository and walks its tree,
// persisting every text-bearing file as a resource tagged with the commit
// it was collected at.
type GitCollector struct {
	name    string
	repoURL string
	ref     string
	workdir string
	exts    map[string]bool
}

// NewGitCollector constructs a GitCollector. workdir is the local clone
// cache directory; it is created if absent and reused across runs so
// subsequent collections are incremental pulls rather than full clones.
func NewGitCollector(name, repoURL, ref, workdir string) *GitCollector {
	return &GitCollector{
		name:    name,
		repoURL: repoURL,
		ref:     ref,
		workdir: workdir,
		exts: map[string]bool{
			".md": true, ".txt": true, ".rst": true,
			".go": true, ".py": true, ".js": true, ".ts": true,
		},
	}
}

func (c *GitCollector) Name() string { return c.name }

func (c *GitCollector) Collect(ctx context.Context, cat *catalog.Catalog) error {
	if err := c.syncClone(ctx); err != nil {
		return fmt.Errorf("git collector %s: %w", c.name, err)
	}

	commit, err := c.headCommit(ctx)
	if err != nil {
		return fmt.Errorf("git collector %s: head commit: %w", c.name, err)
	}

	var firstErr error
	err = filepath.WalkDir(c.workdir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !c.exts[filepath.Ext(p)] {
			return nil
		}
		content, err := os.ReadFile(p)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		rel, _ := filepath.Rel(c.workdir, p)

		hash := domain.ContentHash(domain.SourceGit, append([]byte(commit+":"+rel+"\x00"), content...))
		r := domain.Resource{
			Hash:       hash,
			SourceType: domain.SourceGit,
			GitCommit:  commit,
			Suffix:     filepath.Ext(p),
		}
		meta := &domain.ResourceMeta{
			SourceType:  domain.SourceGit,
			CollectedAt: time.Now(),
			Title:       rel,
			Extra:       map[string]string{"repo": c.repoURL, "commit": commit, "path": rel},
		}
		if _, err := cat.Persist(r, content, meta, filepath.Join("git", c.name)); err != nil && firstErr == nil {
			firstErr = err
		}
		return nil
	})
	if err != nil && firstErr == nil {
		firstErr = err
	}

	if err := cat.Flush(); err != nil {
		return fmt.Errorf("git collector %s: flush: %w", c.name, err)
	}
	return firstErr
}

func (c *GitCollector) syncClone(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(c.workdir, ".git")); err == nil {
		cmd := exec.CommandContext(ctx, "git", "-C", c.workdir, "fetch", "--depth", "1", "origin", c.ref)
		return cmd.Run()
	}
	if err := os.MkdirAll(filepath.Dir(c.workdir), 0o755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", c.ref, c.repoURL, c.workdir)
	return cmd.Run()
}

func (c *GitCollector) headCommit(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", c.workdir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	commit := string(out)
	if len(commit) > 0 && commit[len(commit)-1] == '\n' {
		commit = commit[:len(commit)-1]
	}
	return commit, nil
}
