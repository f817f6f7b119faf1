package render

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"github.com/Abby263/docugen/internal/pipeline"
)

var htmlPage = template.Must(template.New("page").Funcs(template.FuncMap{
	"paragraphs": paragraphs,
	"caveat":     func() string { return caveatNote },
}).Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<title>{{.Doc.Title}}</title>
<style>
body { font-family: {{.BodyFont}}; color: {{.Text}}; background: {{.Background}}; max-width: 52rem; margin: 2rem auto; line-height: 1.5; }
h1, h2 { font-family: {{.TitleFont}}; color: {{.Primary}}; }
.caveat { border-left: 4px solid {{.Accent}}; padding-left: 0.75rem; font-style: italic; }
.slide { border: 1px solid {{.Secondary}}; border-radius: 6px; padding: 1rem 1.5rem; margin: 1.5rem 0; }
.notes { color: #666; font-size: 0.9em; }
</style>
</head>
<body>
<h1>{{.Doc.Title}}</h1>
{{- range .Doc.Sections}}
<section>
<h2>{{.Heading}}</h2>
{{- range paragraphs .Body}}
<p>{{.}}</p>
{{- end}}
{{- if .Bullets}}
<ul>{{range .Bullets}}<li>{{.}}</li>{{end}}</ul>
{{- end}}
{{- if .Caveat}}
<p class="caveat">{{caveat}}</p>
{{- end}}
</section>
{{- end}}
{{- range .Doc.Slides}}
<section class="slide" id="slide-{{.Number}}">
<h2>{{.Number}}. {{.Title}}</h2>
{{- if .Bullets}}
<ul>{{range .Bullets}}<li>{{.}}</li>{{end}}</ul>
{{- end}}
{{- if .Caveat}}
<p class="caveat">{{caveat}}</p>
{{- end}}
{{- if .Notes}}
<p class="notes">{{.Notes}}</p>
{{- end}}
</section>
{{- end}}
{{- if and .Doc.Elements .Doc.Chapters}}
<p><em>{{.Doc.Elements.Premise}}</em></p>
{{- end}}
{{- range .Doc.Chapters}}
<section class="chapter">
<h2>Chapter {{.Number}}: {{.Title}}</h2>
{{- range paragraphs .Body}}
<p>{{.}}</p>
{{- end}}
</section>
{{- end}}
{{- if .Sources}}
<section>
<h2>Sources</h2>
<ol>
{{- range .Sources}}
<li value="{{.Index}}"><a href="{{.URL}}">{{.Title}}</a>{{if not .Used}} <small>(additional source)</small>{{end}}</li>
{{- end}}
</ol>
</section>
{{- end}}
</body>
</html>
`))

type htmlSource struct {
	Index int
	URL   string
	Title string
	Used  bool
}

type htmlView struct {
	Doc        pipeline.FinalDocument
	Lang       string
	Sources    []htmlSource
	Primary    string
	Secondary  string
	Accent     string
	Background string
	Text       string
	TitleFont  string
	BodyFont   string
}

// HTML renders doc as a standalone page. Decks pick up their design spec
// colors and fonts; values the CSS escaper rejects render as ZgotmplZ.
func HTML(doc pipeline.FinalDocument) ([]byte, error) {
	view := htmlView{
		Doc:        doc,
		Lang:       "en",
		Primary:    "#1f3a5f",
		Secondary:  "#c9d6e3",
		Accent:     "#e0a100",
		Background: "#ffffff",
		Text:       "#222222",
		TitleFont:  "Georgia, serif",
		BodyFont:   "Helvetica, Arial, sans-serif",
	}
	if lang := strings.TrimSpace(doc.Options.Language); lang != "" {
		view.Lang = lang
	}
	if d := doc.Design; d != nil {
		view.Primary = orDefault(d.Primary, view.Primary)
		view.Secondary = orDefault(d.Secondary, view.Secondary)
		view.Accent = orDefault(d.Accent, view.Accent)
		view.Background = orDefault(d.Background, view.Background)
		view.Text = orDefault(d.Text, view.Text)
		view.TitleFont = orDefault(d.TitleFont, view.TitleFont)
		view.BodyFont = orDefault(d.BodyFont, view.BodyFont)
	}

	used := citedIndices(doc)
	for _, ref := range doc.Bibliography {
		title := ref.Title
		if strings.TrimSpace(title) == "" {
			title = ref.URL
		}
		view.Sources = append(view.Sources, htmlSource{Index: ref.Index, URL: ref.URL, Title: title, Used: used[ref.Index]})
	}
	sort.SliceStable(view.Sources, func(i, j int) bool { return view.Sources[i].Index < view.Sources[j].Index })

	var buf bytes.Buffer
	if err := htmlPage.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

func paragraphs(body string) []string {
	var out []string
	for _, p := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
