package handlers

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"html/template"
	"net/http"
	"sort"
	"strings"
)

//go:embed openapi.json
var openAPISpec []byte

// docsPage is rendered once from the embedded document so the page header
// and the no-script route list always match what /v1/openapi.json serves.
var docsPage = mustRenderDocs(openAPISpec)

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <title>{{.Title}} {{.Version}}</title>
    <meta name="description" content="{{.Description}}" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>
      body { margin: 0; padding: 0; }
      redoc { display: block; height: 100vh; }
      noscript { display: block; font-family: sans-serif; padding: 1rem 2rem; }
    </style>
  </head>
  <body>
    <noscript>
      <h1>{{.Title}}</h1>
      <p>{{.Description}}</p>
      <ul>{{range .Routes}}
        <li><code>{{.Method}} {{.Path}}</code>{{if .Summary}} {{.Summary}}{{end}}</li>{{end}}
      </ul>
      <p>Machine-readable document: <a href="/v1/openapi.json">/v1/openapi.json</a></p>
    </noscript>
    <redoc spec-url="/v1/openapi.json" hide-hostname="true" expand-responses="202"></redoc>
    <script src="https://cdn.jsdelivr.net/npm/redoc@2.2.0/bundles/redoc.standalone.js"></script>
  </body>
</html>`))

type docsRoute struct {
	Method  string
	Path    string
	Summary string
}

type docsView struct {
	Title       string
	Version     string
	Description string
	Routes      []docsRoute
}

func mustRenderDocs(spec []byte) []byte {
	var doc struct {
		Info struct {
			Title       string `json:"title"`
			Version     string `json:"version"`
			Description string `json:"description"`
		} `json:"info"`
		Paths map[string]map[string]struct {
			Summary string `json:"summary"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(spec, &doc); err != nil {
		panic("handlers: invalid embedded openapi.json: " + err.Error())
	}

	view := docsView{Title: doc.Info.Title, Version: doc.Info.Version, Description: doc.Info.Description}
	for path, ops := range doc.Paths {
		for method, op := range ops {
			view.Routes = append(view.Routes, docsRoute{Method: strings.ToUpper(method), Path: path, Summary: op.Summary})
		}
	}
	sort.Slice(view.Routes, func(i, j int) bool {
		if view.Routes[i].Path != view.Routes[j].Path {
			return view.Routes[i].Path < view.Routes[j].Path
		}
		return view.Routes[i].Method < view.Routes[j].Method
	})

	var buf bytes.Buffer
	if err := docsTemplate.Execute(&buf, view); err != nil {
		panic("handlers: render docs page: " + err.Error())
	}
	return buf.Bytes()
}

func (a *App) OpenAPIJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

func (a *App) OpenAPIDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(docsPage)
}
