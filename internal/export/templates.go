package export

import (
	"bytes"
	"html/template"
	"time"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		return t.Format("Jan 2, 2006 15:04")
	},
}).Parse(reportHTML))

// TemplateData holds data for report rendering
type TemplateData struct {
	Title       string
	Owner       string
	GeneratedAt time.Time
	Total       int
	Resolved    int
	Annotations []TemplateAnnotation
}

// TemplateAnnotation is one annotation in the report. Before and After are
// the surrounding document text, when the content is available.
type TemplateAnnotation struct {
	Author       string
	Color        string
	StartOffset  int
	EndOffset    int
	Before       string
	SelectedText string
	After        string
	Comment      string
	IsResolved   bool
	CreatedAt    time.Time
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} - annotations</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .annotation { padding: 0.75rem 1rem; margin: 1rem 0; border-left: 4px solid #999; background: #fafafa; page-break-inside: avoid; }
    .annotation.resolved { opacity: 0.7; }
    .quote { font-style: italic; }
    .quote mark { padding: 0 2px; }
    .byline { font-size: 0.85em; color: #555; }
    .comment { margin-top: 0.5rem; white-space: pre-wrap; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Owner: {{.Owner}} | {{.Total}} annotations, {{.Resolved}} resolved | Generated {{formatDate .GeneratedAt}}</div>
  {{range .Annotations}}
  <div class="annotation{{if .IsResolved}} resolved{{end}}" style="border-left-color: {{.Color}}">
    <div class="quote">&hellip;{{.Before}}<mark style="background: {{.Color}}33">{{.SelectedText}}</mark>{{.After}}&hellip;</div>
    <div class="byline">{{.Author}} &middot; [{{.StartOffset}}, {{.EndOffset}}) &middot; {{formatDate .CreatedAt}}{{if .IsResolved}} &middot; resolved{{end}}</div>
    {{if .Comment}}<div class="comment">{{.Comment}}</div>{{end}}
  </div>
  {{else}}
  <p>No annotations yet.</p>
  {{end}}
</body>
</html>`
