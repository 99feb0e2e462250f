package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shindakun/pastpapers/internal/models"
	"github.com/shindakun/pastpapers/internal/version"
	"github.com/shindakun/pastpapers/internal/web/templates"
)

// TemplateData holds common data passed to templates
type TemplateData struct {
	Title     string
	Session   *models.Session
	Login     *models.LoginPageData
	Dashboard *models.DashboardPageData
	Version   string // Application version
}

var providerNames = map[string]string{
	"github":        "GitHub",
	"gitlab":        "GitLab",
	"linkedin":      "LinkedIn",
	"linkedin_oidc": "LinkedIn",
	"email":         "email",
}

// templateFuncs returns custom template functions
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"since": func(t time.Time) string {
			return humanize.Time(t)
		},
		"millis": func(d time.Duration) string {
			return humanize.Comma(d.Milliseconds()) + " ms"
		},
		"providerName": func(p string) string {
			if name, ok := providerNames[p]; ok {
				return name
			}
			if p == "" {
				return ""
			}
			return strings.ToUpper(p[:1]) + p[1:]
		},
	}
}

// pages are parsed once per page so each can define its own "content"
var pages = []string{"landing", "login", "dashboard", "404", "500"}

func parseTemplates() (map[string]*template.Template, error) {
	base, err := template.New("").Funcs(templateFuncs()).ParseFS(templates.FS, "layouts/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse layouts: %w", err)
	}

	out := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		clone, err := base.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := clone.ParseFS(templates.FS, "pages/"+page+".html"); err != nil {
			return nil, fmt.Errorf("failed to parse page %s: %w", page, err)
		}
		out[page] = clone
	}
	return out, nil
}

// renderTemplate renders a page with the base layout. The page is rendered
// into a buffer first so a template error never leaves half a page behind.
func (h *Handlers) renderTemplate(w http.ResponseWriter, status int, templateName string, data TemplateData) error {
	tmpl, ok := h.templates[templateName]
	if !ok {
		return fmt.Errorf("unknown template %q", templateName)
	}
	if data.Version == "" {
		data.Version = version.GetVersion()
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", data); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
