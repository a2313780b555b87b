package sitehandler

import (
	"path"
	"strings"
)

type cacheClass int

const (
	classOther cacheClass = iota
	classPage
	classAsset
)

var extClass = map[string]cacheClass{
	"":      classPage,
	".html": classPage,

	".css": classAsset, ".js": classAsset, ".mjs": classAsset,
	".png": classAsset, ".jpg": classAsset, ".jpeg": classAsset, ".webp": classAsset,
	".gif": classAsset, ".svg": classAsset, ".ico": classAsset,
	".woff": classAsset, ".woff2": classAsset,
}

// cacheControlForFile picks the Cache-Control policy for a resolved file.
// Pages revalidate so copy edits show up on the next deploy.
func cacheControlForFile(name string, o *Options) string {
	switch extClass[strings.ToLower(path.Ext(name))] {
	case classPage:
		return o.HTMLCacheControl
	case classAsset:
		return o.AssetCacheControl
	default:
		return o.OtherCacheControl
	}
}
