// Package templates embeds the HTML layouts and pages.
package templates

import "embed"

// FS holds layouts/*.html and pages/*.html
//
//go:embed layouts/*.html pages/*.html
var FS embed.FS
