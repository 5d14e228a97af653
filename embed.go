package chatwebclient

import "embed"

// TemplateFS holds the page layout, the home page and the HTML fragments pushed to the browser over
// server-sent events.
//
//go:embed templates/*
var TemplateFS embed.FS
