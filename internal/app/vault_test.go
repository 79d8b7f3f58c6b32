package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"conclave/api/internal/store"
)

type failingVaultStore struct {
	*store.MemoryStore
}

func (failingVaultStore) InsertVaultItem(context.Context, store.VaultItem) error {
	return errors.New("write rejected")
}

func TestUploadAndDeleteVaultItem(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	admin := env.signIn(t, "uid-admin", "admin@example.org")
	member := env.admit(t, admin, "uid-m", "member@example.org")

	upload := VaultUpload{
		Description: "Audited statements",
		Category:    "Governance",
		FileName:    "../reports/2025-audit.pdf",
		ContentType: "application/pdf",
		Size:        5,
		Body:        strings.NewReader("%PDF-"),
	}
	_, err := env.svc.UploadVaultItem(ctx, member, upload)
	assertStatus(t, err, http.StatusForbidden)

	payload, err := env.svc.UploadVaultItem(ctx, admin, upload)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	item := payload["item"].(map[string]any)
	if item["title"] != "2025-audit.pdf" || item["fileName"] != "2025-audit.pdf" || item["fileSize"] != int64(5) {
		t.Fatalf("unexpected item %+v", item)
	}
	if env.blobs.count() != 1 {
		t.Fatalf("expected one stored blob, got %d", env.blobs.count())
	}

	listed, err := env.svc.ListVault(ctx, member)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if items := listed["items"].([]map[string]any); len(items) != 1 {
		t.Fatalf("expected one vault item, got %+v", items)
	}

	id := item["id"].(string)
	_, err = env.svc.DeleteVaultItem(ctx, admin, id, false)
	assertStatus(t, err, http.StatusPreconditionRequired)
	if _, err := env.svc.DeleteVaultItem(ctx, admin, id, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if env.blobs.count() != 0 {
		t.Fatal("expected blob to be removed")
	}
	_, err = env.svc.DeleteVaultItem(ctx, admin, id, true)
	assertStatus(t, err, http.StatusNotFound)
}

func TestUploadRejectsUnknownCategory(t *testing.T) {
	env := newTestEnv(t)
	admin := env.signIn(t, "uid-admin", "admin@example.org")
	_, err := env.svc.UploadVaultItem(context.Background(), admin, VaultUpload{
		Title:    "Minutes",
		Category: "Gossip",
		FileName: "minutes.txt",
		Body:     strings.NewReader("notes"),
	})
	assertStatus(t, err, http.StatusUnprocessableEntity)
	if env.blobs.count() != 0 {
		t.Fatal("nothing should be stored for a rejected upload")
	}
}

func TestVaultUnavailableWithoutStorage(t *testing.T) {
	memory := store.NewMemoryStore()
	svc := New(testConfig(), memory, Dependencies{})
	defer svc.Close()
	ctx := context.Background()

	admin, _, err := svc.Authorize(ctx, testIdentity("uid-admin", "admin@example.org"))
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	_, err = svc.UploadVaultItem(ctx, admin, VaultUpload{FileName: "a.txt", Body: strings.NewReader("a")})
	assertStatus(t, err, http.StatusServiceUnavailable)
	status, code, _, _ := mapError(err)
	if status != http.StatusServiceUnavailable || code != "VAULT_UNAVAILABLE" {
		t.Fatalf("unexpected mapping %d %s", status, code)
	}
}

func TestUploadRemovesBlobWhenMetadataFails(t *testing.T) {
	blobs := newFakeBlobs()
	svc := New(testConfig(), failingVaultStore{store.NewMemoryStore()}, Dependencies{Vault: blobs})
	defer svc.Close()
	ctx := context.Background()

	admin, _, err := svc.Authorize(ctx, testIdentity("uid-admin", "admin@example.org"))
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	_, err = svc.UploadVaultItem(ctx, admin, VaultUpload{FileName: "a.txt", Size: 1, Body: strings.NewReader("a")})
	if err == nil {
		t.Fatal("expected the metadata failure to surface")
	}
	if blobs.count() != 0 {
		t.Fatalf("expected orphaned blob to be removed, %d left", blobs.count())
	}
}
