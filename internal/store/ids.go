package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Deterministic row identity: re-running the indexer over an unchanged
// tree produces identical ids, which is what makes hash gating and
// delete-then-insert batches converge.

// FileID derives the stable id for a relative file path.
func FileID(relPath string) string {
	sum := sha256.Sum256([]byte(relPath))
	return hex.EncodeToString(sum[:8])
}

// DefinitionID derives the stable id for one definition. Start line is
// part of the identity so overloads with the same name stay distinct.
func DefinitionID(relPath, kind, name string, startLine int) string {
	h := sha256.New()
	h.Write([]byte(relPath))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(startLine)))
	return hex.EncodeToString(h.Sum(nil)[:8])
}
