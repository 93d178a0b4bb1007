package handlers

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed public
var publicAssets embed.FS

// publicFS serves the bundled assets under /public, such as the default
// profile picture.
func publicFS() http.FileSystem {
	sub, err := fs.Sub(publicAssets, "public")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}
