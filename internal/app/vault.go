package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"conclave/api/internal/events"
	"conclave/api/internal/ledger"
	"conclave/api/internal/rbac"
	"conclave/api/internal/search"
	"conclave/api/internal/store"
	"conclave/api/internal/util"
)

// VaultUpload is a file submitted to the transparency vault. The content is
// stored as-is.
type VaultUpload struct {
	Title       string
	Description string
	Category    string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

func vaultPayload(item store.VaultItem) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"title":       item.Title,
		"description": item.Description,
		"category":    item.Category,
		"fileName":    item.FileName,
		"fileURL":     item.FileURL,
		"storagePath": item.StoragePath,
		"fileSize":    item.FileSize,
		"contentType": item.ContentType,
		"uploadedBy":  item.UploadedBy,
		"uploadedAt":  formatTime(item.UploadedAt),
	}
}

func vaultSearchRecord(item store.VaultItem) search.Record {
	return search.Record{
		Type:        search.ResultVault,
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Category:    item.Category,
		FileName:    item.FileName,
	}
}

func errVaultUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "VAULT_UNAVAILABLE", "Vault storage is not configured.", nil)
}

func (s *Service) ListVault(ctx context.Context, session Session) (map[string]any, error) {
	if err := s.require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.vaultList(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func (s *Service) vaultList(ctx context.Context) ([]map[string]any, error) {
	items, err := s.store.ListVaultItems(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, vaultPayload(item))
	}
	return payload, nil
}

// UploadVaultItem stores the blob first and then its metadata. The blob is
// removed again if the metadata write fails.
func (s *Service) UploadVaultItem(ctx context.Context, session Session, upload VaultUpload) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	if s.vault == nil {
		return nil, errVaultUnavailable()
	}
	title := strings.TrimSpace(upload.Title)
	fileName := filepath.Base(strings.TrimSpace(upload.FileName))
	if fileName == "." || fileName == "/" {
		fileName = ""
	}
	if title == "" {
		title = fileName
	}
	if title == "" {
		return nil, errValidation("Title is required.")
	}
	category := strings.TrimSpace(upload.Category)
	if category == "" {
		category = ledger.CategoryGeneral
	}
	if !ledger.ValidCategory(category) {
		return nil, errValidation("Unknown category.")
	}
	if upload.Body == nil {
		return nil, errValidation("A file is required.")
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	object, err := s.vault.Put(ctx, fileName, upload.Body, upload.Size, contentType)
	if err != nil {
		return nil, err
	}
	item := store.VaultItem{
		ID:          util.NewID("vault"),
		Title:       title,
		Description: strings.TrimSpace(upload.Description),
		Category:    category,
		FileName:    fileName,
		FileURL:     object.URL,
		StoragePath: object.Path,
		FileSize:    object.Size,
		ContentType: contentType,
		UploadedBy:  session.MemberID,
		UploadedAt:  s.now(),
	}
	if err := s.store.InsertVaultItem(ctx, item); err != nil {
		if removeErr := s.vault.Remove(ctx, object.Path); removeErr != nil {
			log.Printf("vault: remove orphaned %s: %v", object.Path, removeErr)
		}
		return nil, err
	}
	s.search.Index(vaultSearchRecord(item))
	s.bus.Notify(ctx, events.TopicVault)
	return map[string]any{"item": vaultPayload(item)}, nil
}

func (s *Service) DeleteVaultItem(ctx context.Context, session Session, itemID string, confirm bool) (map[string]any, error) {
	if err := s.require(session, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	if s.vault == nil {
		return nil, errVaultUnavailable()
	}
	item, err := s.store.GetVaultItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return nil, errConfirmationRequired("Deleting removes the file from the vault permanently.")
	}
	if err := s.vault.Remove(ctx, item.StoragePath); err != nil {
		return nil, err
	}
	if err := s.store.DeleteVaultItem(ctx, itemID); err != nil {
		return nil, err
	}
	s.search.Delete(search.ResultVault, itemID)
	s.bus.Notify(ctx, events.TopicVault)
	return map[string]any{"deleted": true, "id": itemID}, nil
}
