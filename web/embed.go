package webassets

import "embed"

// FS contains embedded web assets from this directory.
//
//go:embed broker-client.js templates/*.html
var FS embed.FS
