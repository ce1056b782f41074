package preflight

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/termbridge/internal/logger"
)

func fakePath(t *testing.T, found map[string]string) {
	t.Helper()
	orig := lookPath
	lookPath = func(name string) (string, error) {
		if p, ok := found[name]; ok {
			return p, nil
		}
		return "", errors.New("not found")
	}
	t.Cleanup(func() { lookPath = orig })
}

func TestCheckAllPrefersConfiguredShell(t *testing.T) {
	fakePath(t, map[string]string{"bash": "/bin/bash", "zsh": "/bin/zsh"})
	t.Setenv("SHELL", "/bin/bash")

	shells, def, ok := CheckAll(logger.Nop(), "zsh")
	require.True(t, ok)
	assert.Equal(t, "/bin/zsh", def)
	require.Len(t, shells, len(candidateShells))
	assert.True(t, shells[0].Installed)
	assert.False(t, shells[2].Installed, "fish")
}

func TestDefaultShellFallsBackToEnvThenCandidates(t *testing.T) {
	fakePath(t, map[string]string{"/usr/bin/fish": "/usr/bin/fish", "sh": "/bin/sh"})

	t.Setenv("SHELL", "/usr/bin/fish")
	shells, def, ok := CheckAll(logger.Nop(), "missing")
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/fish", def)

	t.Setenv("SHELL", "")
	assert.Equal(t, "/bin/sh", DefaultShell("", shells))
}

func TestCheckAllWithNoShells(t *testing.T) {
	fakePath(t, nil)
	t.Setenv("SHELL", "")

	_, def, ok := CheckAll(logger.Nop(), "")
	assert.False(t, ok)
	assert.Empty(t, def)
}
