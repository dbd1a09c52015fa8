package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"os"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"ClusterBank/internal/model"
)

//go:embed templates/*.html.tmpl
var templatesFS embed.FS

var blankLines = regexp.MustCompile(`\n[ \t]*(\n[ \t]*)+`)

// Renderer turns a notice context into HTML and plain-text bodies.
type Renderer struct {
	templates map[model.NoticeKind]*template.Template
	strip     *bluemonday.Policy
}

// NewRenderer loads the embedded templates. Non-empty entries of overrides
// name files on disk that replace the template for that kind.
func NewRenderer(overrides map[model.NoticeKind]string) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[model.NoticeKind]*template.Template),
		strip:     bluemonday.StrictPolicy(),
	}
	for _, kind := range []model.NoticeKind{model.KindUsage, model.KindExpiringSoon, model.KindExpired, model.KindOverdraft} {
		var (
			src []byte
			err error
		)
		if path := overrides[kind]; path != "" {
			src, err = os.ReadFile(path)
		} else {
			src, err = templatesFS.ReadFile("templates/" + string(kind) + ".html.tmpl")
		}
		if err != nil {
			return nil, fmt.Errorf("read %s template: %w", kind, err)
		}
		tmpl, err := template.New(string(kind)).Option("missingkey=error").Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", kind, err)
		}
		r.templates[kind] = tmpl
	}
	return r, nil
}

// Render executes the template for kind and derives the plain-text alternative.
func (r *Renderer) Render(kind model.NoticeKind, data model.NoticeContext) (htmlBody, textBody string, err error) {
	tmpl, ok := r.templates[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for notice kind %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", kind, err)
	}
	htmlBody = buf.String()
	return htmlBody, r.plainText(htmlBody), nil
}

func (r *Renderer) plainText(body string) string {
	text := html.UnescapeString(r.strip.Sanitize(body))
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text) + "\n"
}
