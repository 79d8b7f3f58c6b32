package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate = template.Must(
	template.New("report.html").Funcs(template.FuncMap{
		"comma": func(n int) string { return humanize.Comma(int64(n)) },
		"ago":   humanize.Time,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}).ParseFS(templateFS, "templates/report.html"),
)

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title         string
	Description   string
	Category      string
	Status        string
	CreatorName   string
	CreatedAt     time.Time
	GeneratedAt   time.Time
	Options       []TemplateLine
	Motions       []TemplateLine
	TotalVotes    int
	PriorityScore int
	Participation string
	Comments      []CommentInfo
}

type TemplateLine struct {
	Label string
	Votes int
	Share string
}

func buildTemplateData(info ProposalInfo, comments []CommentInfo, whitelistSize int, now time.Time) TemplateData {
	data := TemplateData{
		Title:         info.Title,
		Description:   info.Description,
		Category:      info.Category,
		Status:        info.Status,
		CreatorName:   info.CreatorName,
		CreatedAt:     info.CreatedAt,
		GeneratedAt:   now,
		TotalVotes:    info.TotalVotes,
		PriorityScore: info.PriorityScore,
		Participation: percent(info.TotalVotes, whitelistSize),
		Comments:      comments,
	}
	for _, line := range info.Options {
		data.Options = append(data.Options, TemplateLine{Label: line.Label, Votes: line.Votes, Share: percent(line.Votes, info.TotalVotes)})
	}
	for _, line := range info.Motions {
		data.Motions = append(data.Motions, TemplateLine{Label: line.Label, Votes: line.Votes, Share: percent(line.Votes, info.TotalVotes)})
	}
	return data
}

func percent(part, whole int) string {
	if whole <= 0 {
		return "0%"
	}
	value := float64(part) / float64(whole) * 100
	if value > 100 {
		value = 100
	}
	return fmt.Sprintf("%s%%", humanize.FtoaWithDigits(value, 1))
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
