package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultScanRules(t *testing.T) {
	rules := DefaultScanRules()

	assert.Equal(t, 15, rules.MaxDepth)
	assert.Contains(t, rules.ExcludeDirs, "node_modules")
	assert.Contains(t, rules.ExcludeDirs, "specmem")
	assert.Contains(t, rules.ExcludeFiles, ".env")
	assert.Contains(t, rules.HiddenAllow, ".env.example")

	require.NotEmpty(t, rules.Languages)
	assert.Equal(t, "go", rules.Languages[".go"])
	assert.Equal(t, "typescript", rules.Languages[".tsx"])
	assert.Equal(t, "cpp", rules.Languages[".hpp"])
}
