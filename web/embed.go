// Package web embeds the browser chat client under dist/.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

const indexFile = "index.html"

// SPAHandler serves the embedded chat client. Unknown paths render index.html
// so client-side routes survive a reload, except under /api/ where a missing
// route is a real 404.
func SPAHandler() http.Handler {
	client, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: dist is not embedded: " + err.Error())
	}
	files := http.FileServer(http.FS(client))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}

		name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if name == "" || name == "." || !exists(client, name) {
			name = indexFile
		}

		if name == indexFile {
			// The page carries the websocket client; always revalidate it.
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
		} else {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		}
		files.ServeHTTP(w, r)
	})
}

func exists(fsys fs.FS, name string) bool {
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}
