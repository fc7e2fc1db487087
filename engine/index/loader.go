package index

import (
	"path/filepath"
	"strings"
)

// LoaderFunc extracts plain text from raw resource bytes for chunking.
type LoaderFunc func(content []byte) (string, error)

// loaders is the compile-time, extension-keyed loader registry. It replaces
// the reflection-driven "guess the parser class from a config string"
// pattern with a plain map lookup resolved once at startup.
var loaders = map[string]LoaderFunc{
	".html": loadHTML,
	".htm":  loadHTML,
	".md":   loadText,
	".txt":  loadText,
	".go":   loadText,
	".py":   loadText,
	".js":   loadText,
	".ts":   loadText,
	".pdf":  loadPDF,
}

// LoaderFor resolves the loader for a filename by extension, falling back
// to the default plain-text loader for anything unrecognized.
func LoaderFor(name string) LoaderFunc {
	ext := strings.ToLower(filepath.Ext(name))
	if fn, ok := loaders[ext]; ok {
		return fn
	}
	return loadText
}

func loadText(content []byte) (string, error) {
	return string(content), nil
}

// loadHTML strips tags with a conservative, dependency-free scan: good
// enough for chunking purposes, not a full HTML parser. Pages requiring
// real DOM traversal are expected to have been pre-rendered by the
// collector before reaching the index.
func loadHTML(content []byte) (string, error) {
	var b strings.Builder
	inTag := false
	for _, r := range string(content) {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " "), nil
}

// loadPDF is a placeholder loader: real PDF text extraction is delegated to
// an external collaborator (e.g. a PDF-to-text collector stage) that
// rewrites PDFs into a .txt sidecar before ingestion reaches the index;
// anything that arrives here un-extracted is skipped with a loader error.
func loadPDF(content []byte) (string, error) {
	return "", ErrUnextractedBinary
}
