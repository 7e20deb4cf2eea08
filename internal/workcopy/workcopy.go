// Package workcopy keeps an optional git checkout of every operation under
// {data_root}/{operation_path}/ so the flight track history can be inspected
// with ordinary git tooling.
package workcopy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"mscolab/api/internal/util"
)

// FileName is the tracked flight track inside each checkout.
const FileName = "main.ftml"

const branch = "main"

type Commit struct {
	Hash    string
	Message string
	Author  string
	When    time.Time
}

type Service struct {
	baseDir string
	locks   *util.KeyedMutex[string]
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   util.NewKeyedMutex[string](),
	}
}

// Commit writes content to the checkout of opPath and records it as a new
// commit on main. The repository is initialised on first use.
func (s *Service) Commit(ctx context.Context, opPath, content, message, author string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.repoPath(opPath)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(dir)
	defer unlock()

	repo, fresh, err := openOrInit(dir)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	if _, err := worktree.Add(FileName); err != nil {
		return fmt.Errorf("git add %s: %w", FileName, err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@mscolab.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", FileName, err)
	}
	if fresh {
		if err := pointMainAt(repo, hash); err != nil {
			return err
		}
	}
	return nil
}

// Rename moves the checkout when an operation's path changes. A missing
// checkout is not an error.
func (s *Service) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from, err := s.repoPath(oldPath)
	if err != nil {
		return err
	}
	to, err := s.repoPath(newPath)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	unlockFirst := s.locks.Lock(first)
	defer unlockFirst()
	unlockSecond := s.locks.Lock(second)
	defer unlockSecond()

	if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("working copy %s already exists", newPath)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename working copy: %w", err)
	}
	return nil
}

// Remove deletes the checkout of opPath.
func (s *Service) Remove(ctx context.Context, opPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.repoPath(opPath)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(dir)
	defer unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove working copy: %w", err)
	}
	return nil
}

// History lists commits on main, newest first. limit <= 0 returns all.
func (s *Service) History(opPath string, limit int) ([]Commit, error) {
	dir, err := s.repoPath(opPath)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(dir)
	defer unlock()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, Commit{
			Hash:    c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Read returns the committed flight track at hash, or at main when hash is
// empty.
func (s *Service) Read(opPath, hash string) (string, error) {
	dir, err := s.repoPath(opPath)
	if err != nil {
		return "", err
	}
	unlock := s.locks.Lock(dir)
	defer unlock()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	rev := plumbing.Revision(branch)
	if hash != "" {
		rev = plumbing.Revision(hash)
	}
	resolved, err := repo.ResolveRevision(rev)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rev, err)
	}
	commit, err := repo.CommitObject(*resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", resolved, err)
	}
	file, err := commit.File(FileName)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", FileName, err)
	}
	return file.Contents()
}

func (s *Service) repoPath(opPath string) (string, error) {
	if opPath == "" || opPath == "." || opPath == ".." || strings.ContainsAny(opPath, `/\`) {
		return "", fmt.Errorf("invalid operation path %q", opPath)
	}
	return filepath.Join(s.baseDir, opPath), nil
}

func openOrInit(dir string) (*git.Repository, bool, error) {
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

// pointMainAt names the initial branch main regardless of the library default.
func pointMainAt(repo *git.Repository, hash plumbing.Hash) error {
	mainRef := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(mainRef, hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, mainRef)); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
