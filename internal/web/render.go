// Package web renders the small operator dashboard served next to the
// metrics endpoints.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/worldhost/world-host-server/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named template to w with data enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().UTC().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("template render failed", obs.Fields{"template": name, "err": err.Error()})
		return err
	}
	return nil
}
