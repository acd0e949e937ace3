// Package embedded provides the embedded prompt template (prompt.md).
package embedded

import "embed"

//go:embed prompt.md
var FS embed.FS
