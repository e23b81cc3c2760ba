package store

import "fmt"

// maxFileEmbedContent caps how much file content enters the embedding
// input.
const maxFileEmbedContent = 8000

// FileEmbedText is the canonical embedding input for a source file.
// Indexer and backfill worker must agree on it byte for byte, or
// re-embedding would churn vectors for unchanged files.
func FileEmbedText(relPath, language, content string) string {
	if len(content) > maxFileEmbedContent {
		content = content[:maxFileEmbedContent]
	}
	return fmt.Sprintf("File: %s\nLanguage: %s\n\n%s", relPath, language, content)
}

// DefinitionEmbedText is the canonical embedding input for one code
// definition.
func DefinitionEmbedText(kind, name, signature, relPath string) string {
	return fmt.Sprintf("%s %s\n%s\nFile: %s", kind, name, signature, relPath)
}
