package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed site fallback
var embedded embed.FS

// SiteFS is the prebuilt marketing site.
func SiteFS() fs.FS {
	return sub("site")
}

// FallbackFS holds the maintenance page and a plain 404.
func FallbackFS() fs.FS {
	return sub("fallback")
}

func sub(dir string) fs.FS {
	s, err := fs.Sub(embedded, dir)
	if err != nil {
		panic(fmt.Errorf("webassets: %s subfs: %w", dir, err))
	}
	return s
}
