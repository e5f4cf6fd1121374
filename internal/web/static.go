package web

import (
	"embed"
)

// staticFiles holds the embedded control page assets.
//
//go:embed static/*
var staticFiles embed.FS
