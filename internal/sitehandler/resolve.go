package sitehandler

import (
	"io/fs"
	"path"
	"strings"
)

const indexFile = "index.html"

// resolvePath maps a URL path to a file in fsys. A non-empty redirectTo
// means the caller should redirect to the canonical trailing-slash URL.
func resolvePath(urlPath string, fsys fs.FS) (file, redirectTo string, ok bool) {
	p := urlPath
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	if strings.ContainsAny(p, "\x00\\") || strings.Contains(p, "..") || hasDotSegments(p) {
		return "", "", false
	}

	dir := strings.HasSuffix(p, "/")
	clean := path.Clean(p)

	// pages are linked by directory; /services/index.html -> /services/
	if path.Base(clean) == indexFile {
		canonical := strings.TrimSuffix(clean, indexFile)
		if existsFile(fsys, strings.TrimPrefix(clean, "/")) {
			return "", canonical, true
		}
		return "", "", false
	}

	var name string
	switch {
	case clean == "/":
		name = indexFile
	case dir:
		name = strings.TrimPrefix(clean, "/") + "/" + indexFile
	case path.Ext(clean) != "":
		name = strings.TrimPrefix(clean, "/")
	default:
		// /services -> /services/ when services/index.html exists
		if existsFile(fsys, strings.TrimPrefix(clean, "/")+"/"+indexFile) {
			return "", clean + "/", true
		}
		return "", "", false
	}

	if !existsFile(fsys, name) {
		return "", "", false
	}
	return name, "", true
}

// hasDotSegments reports whether any path segment is "." or "..".
func hasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

func existsFile(fsys fs.FS, name string) bool {
	if name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
