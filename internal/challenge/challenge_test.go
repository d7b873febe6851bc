package challenge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypeOf(t *testing.T) {
	ct := TypeOf("  retro futurism ")
	assert.Equal(t, "retro-futurism", ct.Key)
	assert.Equal(t, "Retro Futurism", ct.Name)
}

func TestPickOtherChangesText(t *testing.T) {
	c := NewCatalog(1)
	first := c.Pick()
	for i := 0; i < 20; i++ {
		next := c.PickOther(first.Text)
		assert.NotEqual(t, first.Text, next.Text)
		assert.NotEmpty(t, next.Type.Key)
	}
}
