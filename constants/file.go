package constants

import "strings"

// AllowedExtensions holds the accepted document extensions for ingestion.
// The pipeline only submits PDF documents to the analysis engine.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// AllowedExt reports whether ext (with or without dot, any case) is an
// accepted document extension.
func AllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}
