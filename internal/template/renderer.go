package template

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
)

const (
	templateDir string = "tmpl"
)

//go:embed tmpl/*.html
var files embed.FS

type Data struct {
	PageTitle string
	Name      string
	IsAdmin   bool
	LastName  string
	Flash     string
	Notice    string
}

func Render(w http.ResponseWriter, _ *http.Request, tmpl string, td any) error {
	t, err := template.ParseFS(files,
		templateDir+"/"+tmpl,
		templateDir+"/"+"base.html",
	)
	if err != nil {
		return err
	}

	buf := &bytes.Buffer{}

	err = t.Execute(buf, td)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err = buf.WriteTo(w)
	return err
}
