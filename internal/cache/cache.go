// Package cache holds the workflows discovered per repository.
//
// The set of repositories is fixed when the cache is built. Each entry has its
// own lock so the discovery poller can replace one repository's list while the
// usage poller reads another.
package cache

import (
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/zgpcy/github-billing-exporter/internal/provider"
)

// ErrUnknownRepository is returned for a repository the cache was not built with
var ErrUnknownRepository = goerr.New("repository is not tracked")

type entry struct {
	mu        sync.RWMutex
	workflows []provider.Workflow
}

// WorkflowCache maps each tracked repository to its last discovered workflows
type WorkflowCache struct {
	// entries is never written after New
	entries map[provider.Repository]*entry
	order   []provider.Repository
}

// New builds a cache with one empty entry per repository. Duplicates collapse.
func New(repos []provider.Repository) *WorkflowCache {
	c := &WorkflowCache{
		entries: make(map[provider.Repository]*entry, len(repos)),
		order:   make([]provider.Repository, 0, len(repos)),
	}
	for _, repo := range repos {
		if _, ok := c.entries[repo]; ok {
			continue
		}
		c.entries[repo] = &entry{workflows: []provider.Workflow{}}
		c.order = append(c.order, repo)
	}
	return c
}

// Repositories returns the tracked repositories in configuration order
func (c *WorkflowCache) Repositories() []provider.Repository {
	out := make([]provider.Repository, len(c.order))
	copy(out, c.order)
	return out
}

// Replace swaps the workflow list of repo for a copy of workflows
func (c *WorkflowCache) Replace(repo provider.Repository, workflows []provider.Workflow) error {
	e, ok := c.entries[repo]
	if !ok {
		return goerr.Wrap(ErrUnknownRepository, "cannot replace workflows", goerr.V("repository", repo.String()))
	}

	next := make([]provider.Workflow, len(workflows))
	copy(next, workflows)

	e.mu.Lock()
	e.workflows = next
	e.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the workflow list of repo
func (c *WorkflowCache) Snapshot(repo provider.Repository) ([]provider.Workflow, error) {
	e, ok := c.entries[repo]
	if !ok {
		return nil, goerr.Wrap(ErrUnknownRepository, "cannot read workflows", goerr.V("repository", repo.String()))
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]provider.Workflow, len(e.workflows))
	copy(out, e.workflows)
	return out, nil
}

// Len returns the number of cached workflows of repo, 0 when untracked
func (c *WorkflowCache) Len(repo provider.Repository) int {
	e, ok := c.entries[repo]
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.workflows)
}
