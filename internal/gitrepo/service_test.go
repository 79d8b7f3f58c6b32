package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func sampleRecord(event string, total int) Record {
	return Record{
		ProposalID: "p-1",
		Event:      event,
		Title:      "Roof repair",
		Category:   "Education",
		Status:     "archived",
		Options: []RecordLine{
			{ID: "opt1", Label: "Yes", Votes: total},
			{ID: "opt2", Label: "No", Votes: 0},
		},
		Motions:    map[string]int{"abstain": 0, "quash": 0, "defer": 0},
		TotalVotes: total,
		Actor:      "admin-1",
		RecordedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	history, err := svc.History("p-1", 10)
	if err != nil {
		t.Fatalf("History() before any record error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
	if _, err := svc.Read("p-1", ""); !errors.Is(err, ErrNoRecords) {
		t.Fatalf("expected ErrNoRecords, got %v", err)
	}

	first, err := svc.Append(sampleRecord(EventArchived, 7), "Avery Admin")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.Hash == "" || !strings.HasPrefix(first.Message, "archived: Roof repair") {
		t.Fatalf("unexpected entry %+v", first)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "p-1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	if _, err := svc.Append(sampleRecord(EventReset, 0), "Avery Admin"); err != nil {
		t.Fatalf("second Append() error = %v", err)
	}

	history, err = svc.History("p-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || !strings.HasPrefix(history[0].Message, "reset:") {
		t.Fatalf("expected newest-first history of 2, got %+v", history)
	}

	latest, err := svc.Read("p-1", "")
	if err != nil {
		t.Fatalf("Read(latest) error = %v", err)
	}
	if latest.Event != EventReset || latest.TotalVotes != 0 {
		t.Fatalf("unexpected latest record %+v", latest)
	}

	archived, err := svc.Read("p-1", first.Hash)
	if err != nil {
		t.Fatalf("Read(hash) error = %v", err)
	}
	if archived.TotalVotes != 7 || archived.Options[0].Votes != 7 {
		t.Fatalf("archived record not preserved: %+v", archived)
	}

	limited, err := svc.History("p-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limited history of 1, got %d (%v)", len(limited), err)
	}
}

func TestConcurrentAppendsSameProposal(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			rec := sampleRecord(EventEdited, idx)
			rec.Title = fmt.Sprintf("Edit %02d", idx)
			if _, err := svc.Append(rec, "Avery"); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Append() concurrent error = %v", err)
	}

	history, err := svc.History("p-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits, got %d", writers, len(history))
	}
}

func TestSanitizeEmail(t *testing.T) {
	tests := map[string]string{
		"Avery Admin": "Avery.Admin",
		"rosa_m-2":    "rosa.m.2",
		"!!!":         "member",
	}
	for input, want := range tests {
		if got := sanitizeEmail(input); got != want {
			t.Errorf("sanitizeEmail(%q) = %q, want %q", input, got, want)
		}
	}
}
