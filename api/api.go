// Package api embeds the OpenAPI description of the admin API.
package api

import "embed"

//go:embed openapi.yaml
var FS embed.FS
