package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockReportsLevel(t *testing.T) {
	level, err := Lock()
	if err != nil {
		t.Skipf("memory locking unavailable: %v", err)
	}
	assert.Contains(t, []Level{Partial, Full}, level)
	assert.NotEqual(t, "none", level.String())
	assert.NoError(t, Unlock())
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "partial", Partial.String())
	assert.Equal(t, "full", Full.String())
}
