package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileIDStable(t *testing.T) {
	a := FileID("internal/server/loop.go")
	b := FileID("internal/server/loop.go")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, FileID("internal/server/loop2.go"))
}

func TestDefinitionIDStable(t *testing.T) {
	a := DefinitionID("a/b.go", "function", "Run", 10)
	assert.Equal(t, a, DefinitionID("a/b.go", "function", "Run", 10))
	assert.Len(t, a, 16)

	// Every identity component participates.
	assert.NotEqual(t, a, DefinitionID("a/c.go", "function", "Run", 10))
	assert.NotEqual(t, a, DefinitionID("a/b.go", "method", "Run", 10))
	assert.NotEqual(t, a, DefinitionID("a/b.go", "function", "Stop", 10))
	assert.NotEqual(t, a, DefinitionID("a/b.go", "function", "Run", 11))
}

func TestDefinitionIDNoDelimiterCollision(t *testing.T) {
	// "ab"+"c" vs "a"+"bc" in adjacent fields must not collide.
	a := DefinitionID("p.go", "ab", "c", 1)
	b := DefinitionID("p.go", "a", "bc", 1)
	assert.NotEqual(t, a, b)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"specmem_abc"`, quoteIdent("specmem_abc"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}
