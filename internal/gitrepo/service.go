// Package gitrepo keeps an append-only history of proposal records, one git
// repository per proposal.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const recordFile = "record.json"

// Record events.
const (
	EventArchived = "archived"
	EventEdited   = "edited"
	EventReset    = "reset"
	EventDeleted  = "deleted"
)

var ErrNoRecords = errors.New("no records for proposal")

type RecordLine struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Votes int    `json:"votes"`
}

// Record is the tally snapshot written on each event.
type Record struct {
	ProposalID    string         `json:"proposalId"`
	Event         string         `json:"event"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Category      string         `json:"category"`
	Status        string         `json:"status"`
	Options       []RecordLine   `json:"options"`
	Motions       map[string]int `json:"motions"`
	TotalVotes    int            `json:"totalVotes"`
	PriorityScore int            `json:"priorityScore"`
	Actor         string         `json:"actor"`
	RecordedAt    time.Time      `json:"recordedAt"`
}

type Entry struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Append commits rec as the proposal's latest record, creating the
// repository on first use.
func (s *Service) Append(rec Record, author string) (Entry, error) {
	lock := s.proposalLock(rec.ProposalID)
	lock.Lock()
	defer lock.Unlock()

	repo, created, err := s.openOrInit(rec.ProposalID)
	if err != nil {
		return Entry{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Entry{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), recordFile), append(payload, '\n'), 0o644); err != nil {
		return Entry{}, fmt.Errorf("write %s: %w", recordFile, err)
	}
	if _, err := worktree.Add(recordFile); err != nil {
		return Entry{}, fmt.Errorf("git add record: %w", err)
	}

	message := fmt.Sprintf("%s: %s\n\ntotal=%d actor=%s", rec.Event, rec.Title, rec.TotalVotes, rec.Actor)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@records.conclave.local", sanitizeEmail(author)),
			When:  rec.RecordedAt,
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("commit record: %w", err)
	}

	if created {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return Entry{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return Entry{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Entry{}, fmt.Errorf("read commit object: %w", err)
	}
	return toEntry(commitObj), nil
}

// History lists record commits newest first. A proposal that never produced
// a record has an empty history.
func (s *Service) History(proposalID string, limit int) ([]Entry, error) {
	lock := s.proposalLock(proposalID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(proposalID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Entry, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toEntry(commitObj))
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

// Read returns the record stored at hash, or the latest one when hash is
// empty.
func (s *Service) Read(proposalID, hash string) (Record, error) {
	lock := s.proposalLock(proposalID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(proposalID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Record{}, ErrNoRecords
	}
	if err != nil {
		return Record{}, fmt.Errorf("open repo: %w", err)
	}

	var resolved plumbing.Hash
	if hash == "" {
		head, err := repo.Head()
		if err != nil {
			return Record{}, fmt.Errorf("resolve head: %w", err)
		}
		resolved = head.Hash()
	} else if resolved, err = resolveHash(repo, hash); err != nil {
		return Record{}, err
	}

	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Record{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readRecord(commitObj)
}

func (s *Service) openOrInit(proposalID string) (*git.Repository, bool, error) {
	path := s.repoPath(proposalID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, false, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func (s *Service) repoPath(proposalID string) string {
	return filepath.Join(s.baseDir, filepath.Base(proposalID))
}

func (s *Service) proposalLock(proposalID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[proposalID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[proposalID] = lock
	return lock
}

func readRecord(commitObj *object.Commit) (Record, error) {
	file, err := commitObj.File(recordFile)
	if err != nil {
		return Record{}, fmt.Errorf("load %s from commit: %w", recordFile, err)
	}
	content, err := file.Contents()
	if err != nil {
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func toEntry(commitObj *object.Commit) Entry {
	return Entry{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "member"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
