package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"time"

	"github.com/joseph-ayodele/listing-diagnostics/internal/entity"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// View is the data handed to the report template.
type View struct {
	SubmissionID string
	PropertyURL  string
	Platform     string
	Property     entity.PropertyData
	Analysis     entity.Analysis
	GeneratedAt  time.Time
}

// Renderer turns a completed submission into a report artifact.
type Renderer interface {
	Render(sub *entity.Submission, now time.Time) ([]byte, error)
	ContentType() string
	Extension() string
}

// HTMLRenderer renders the embedded HTML template.
type HTMLRenderer struct {
	tmpl *template.Template
}

var _ Renderer = (*HTMLRenderer)(nil)

func NewHTMLRenderer() (*HTMLRenderer, error) {
	tmpl, err := template.New("report.html.tmpl").Funcs(template.FuncMap{
		"decimal": func(v *float64, places int) string {
			if v == nil {
				return ""
			}
			return strconv.FormatFloat(*v, 'f', places, 64)
		},
	}).ParseFS(templateFS, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &HTMLRenderer{tmpl: tmpl}, nil
}

func (r *HTMLRenderer) ContentType() string { return "text/html; charset=utf-8" }

func (r *HTMLRenderer) Extension() string { return ".html" }

// Render builds the View from sub and executes the template.
func (r *HTMLRenderer) Render(sub *entity.Submission, now time.Time) ([]byte, error) {
	prop, err := sub.Property()
	if err != nil {
		return nil, fmt.Errorf("decode scraped data: %w", err)
	}
	analysis, err := sub.Analysis()
	if err != nil {
		return nil, fmt.Errorf("decode analysis result: %w", err)
	}
	view := View{
		SubmissionID: sub.ID.String(),
		PropertyURL:  sub.PropertyURL,
		Platform:     sub.Platform.String(),
		Property:     prop,
		Analysis:     analysis,
		GeneratedAt:  now.UTC(),
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}
