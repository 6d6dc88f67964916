package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_Length(t *testing.T) {
	id := New()
	assert.Len(t, id, Length)
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, seen[id], "unexpected collision at iteration %d", i)
		seen[id] = true
	}
}
