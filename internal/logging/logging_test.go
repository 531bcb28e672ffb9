package logging

import (
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestNewLevels(t *testing.T) {
	assert.Equal(t, log.InfoLevel, New(false).GetLevel())
	assert.Equal(t, log.DebugLevel, New(true).GetLevel())
}

func TestOrDiscard(t *testing.T) {
	l := New(false)
	assert.Same(t, l, OrDiscard(l))
	assert.NotNil(t, OrDiscard(nil))
}
