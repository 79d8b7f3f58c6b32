// Package export renders proposal tally reports as PDF, DOCX or HTML.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatHTML Format = "html"
)

func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case FormatPDF, FormatDOCX, FormatHTML:
		return Format(value), true
	case "":
		return FormatPDF, true
	default:
		return "", false
	}
}

// Request contains parameters for an export operation
type Request struct {
	ProposalID      string
	Format          Format
	IncludeComments bool
}

// ProposalInfo is the proposal state captured in a report.
type ProposalInfo struct {
	ID            string
	Title         string
	Description   string
	Category      string
	Status        string
	CreatorName   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Options       []TallyLine
	Motions       []TallyLine
	TotalVotes    int
	PriorityScore int
}

type TallyLine struct {
	Label string
	Votes int
}

type CommentInfo struct {
	Author    string
	Text      string
	CreatedAt time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
	ErrUnsupportedFormat     = errors.New("unsupported export format")
)
