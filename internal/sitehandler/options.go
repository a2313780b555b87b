package sitehandler

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/keystone-comms/keystone-web/internal/log"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

type Options struct {
	Logger log.Logger

	// Site is the marketing site root. Nil serves the maintenance page.
	Site fs.FS
	// FallbackFS holds the maintenance page and a plain 404.
	FallbackFS fs.FS

	MaintenanceFile string // default "maintenance.html", read from FallbackFS
	Fallback404File string // default "404.html", read from FallbackFS
	Site404File     string // default "404.html", read from Site

	HTMLCacheControl  string // default "no-cache"
	AssetCacheControl string // default "public, max-age=86400"
	OtherCacheControl string // default "public, max-age=3600"
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.MaintenanceFile == "" {
		o.MaintenanceFile = "maintenance.html"
	}
	if o.Fallback404File == "" {
		o.Fallback404File = "404.html"
	}
	if o.Site404File == "" {
		o.Site404File = "404.html"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	// assets are not fingerprinted, so no immutable
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "public, max-age=86400"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "public, max-age=3600"
	}
}

func (o *Options) validate() error {
	if o.FallbackFS == nil {
		return fmt.Errorf("%w: FallbackFS is nil", ErrInvalidOptions)
	}
	// fail at boot if the binary was built without its fallback pages
	if !existsFile(o.FallbackFS, o.MaintenanceFile) {
		return fmt.Errorf("%w: missing %q in fallback FS", ErrInvalidOptions, o.MaintenanceFile)
	}
	if o.Site != nil && !existsFile(o.Site, "index.html") {
		return fmt.Errorf("%w: site has no index.html", ErrInvalidOptions)
	}
	return nil
}
