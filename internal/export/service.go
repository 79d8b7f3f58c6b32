package export

import (
	"context"
	"fmt"
	"time"
)

// DataStore defines the interface for data access
type DataStore interface {
	ProposalInfo(ctx context.Context, id string) (ProposalInfo, error)
	ProposalComments(ctx context.Context, id string) ([]CommentInfo, error)
	WhitelistSize(ctx context.Context) (int, error)
}

type Service struct {
	store DataStore
	now   func() time.Time
}

func NewService(store DataStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Export renders the proposal report in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	info, err := s.store.ProposalInfo(ctx, req.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	size, err := s.store.WhitelistSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("count whitelist: %w", err)
	}

	var comments []CommentInfo
	if req.IncludeComments {
		comments, err = s.store.ProposalComments(ctx, req.ProposalID)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
	}

	html, err := RenderReportHTML(buildTemplateData(info, comments, size, s.now()))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(ctx, html, info.Title)
	case FormatDOCX:
		return exportDOCX(ctx, html, info.Title)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(info.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
