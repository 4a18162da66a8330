package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// GitMailbox uses a git repository as the bulletin board. Posting is
// sync -> write -> add -> commit -> push; a rejected push means another
// node won the race, so the working tree is reset to the remote head and
// the post retried. Successful pushes give the board a linear history,
// which is what makes first-post-wins races resolvable.
type GitMailbox struct {
	url    string
	path   string
	branch string
	nodeID string
	log    *zap.Logger

	repo *git.Repository
	wt   *git.Worktree
}

const (
	retryAttempts = 5
	retryDelay    = time.Second
)

// NewGitMailbox clones the board repository if needed and opens it.
func NewGitMailbox(url, localPath, nodeID string, log *zap.Logger) (*GitMailbox, error) {
	m := &GitMailbox{
		url:    url,
		path:   localPath,
		branch: "master",
		nodeID: nodeID,
		log:    log,
	}
	if err := m.ensureCloned(); err != nil {
		return nil, err
	}
	wt, err := m.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("mailbox: opening worktree: %w", err)
	}
	m.wt = wt
	return m, nil
}

func (m *GitMailbox) ensureCloned() error {
	if _, err := os.Stat(filepath.Join(m.path, ".git")); err == nil {
		repo, err := git.PlainOpen(m.path)
		if err != nil {
			return fmt.Errorf("mailbox: opening board clone: %w", err)
		}
		m.repo = repo
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		repo, err := git.PlainClone(m.path, false, &git.CloneOptions{URL: m.url})
		if err == nil {
			m.repo = repo
			return nil
		}
		lastErr = err
		m.log.Warn("board clone failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		os.RemoveAll(m.path)
		time.Sleep(retryDelay)
	}
	return fmt.Errorf("%w: cloning %s: %v", ErrUnavailable, m.url, lastErr)
}

// Sync implements Mailbox: fetch and hard-reset to the remote head. Lock
// contention from a concurrent process is retried with jittered backoff;
// a stale index.lock left by a crashed process is removed on the last
// attempt.
func (m *GitMailbox) Sync() error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(retryDelay / 2 * time.Duration(attempt+1))))
			time.Sleep(retryDelay*time.Duration(attempt) + jitter)
		}
		err := m.fetchReset()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == retryAttempts-2 {
			lockFile := filepath.Join(m.path, ".git", "index.lock")
			if os.Remove(lockFile) == nil {
				m.log.Info("removed stale git lock file")
			}
		}
		m.log.Debug("board sync retry", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("%w: sync: %v", ErrUnavailable, lastErr)
}

func (m *GitMailbox) fetchReset() error {
	err := m.repo.Fetch(&git.FetchOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}
	ref, err := m.repo.Reference(plumbing.NewRemoteReferenceName("origin", m.branch), true)
	if err != nil {
		return fmt.Errorf("resolving remote head: %w", err)
	}
	if err := m.wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: ref.Hash()}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Post implements Mailbox.
func (m *GitMailbox) Post(path string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(retryDelay)))
			time.Sleep(retryDelay*time.Duration(attempt) + jitter)
		}
		err := m.tryPost(path, data)
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
		m.log.Warn("board post failed",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		// Drop the local commit so the next attempt starts from the
		// remote head.
		if rerr := m.fetchReset(); rerr != nil {
			m.log.Debug("reset after failed post", zap.Error(rerr))
		}
	}
	return fmt.Errorf("%w: posting %s: %v", ErrUnavailable, path, lastErr)
}

func (m *GitMailbox) tryPost(path string, data []byte) error {
	if err := m.Sync(); err != nil {
		return err
	}
	full := filepath.Join(m.path, filepath.FromSlash(path))
	if existing, err := os.ReadFile(full); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := m.wt.Add(filepath.ToSlash(path)); err != nil {
		return fmt.Errorf("staging %s: %w", path, err)
	}
	_, err := m.wt.Commit(fmt.Sprintf("%s: posted %s", m.nodeID, path), &git.CommitOptions{
		Author: &object.Signature{
			Name:  m.nodeID,
			Email: m.nodeID + "@custody.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("committing %s: %w", path, err)
	}
	if err := m.repo.Push(&git.PushOptions{}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", path, err)
	}
	return nil
}

// Read implements Mailbox.
func (m *GitMailbox) Read(path string) ([]byte, error) {
	if err := m.Sync(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(m.path, filepath.FromSlash(path)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: reading %s: %w", path, err)
	}
	return data, nil
}

// List implements Mailbox.
func (m *GitMailbox) List(dir string) ([]string, error) {
	if err := m.Sync(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(m.path, filepath.FromSlash(dir)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: listing %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Name()[0] == '.' {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
