package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiscard(t *testing.T) {
	logger := Discard().With(Provider("static")).WithGroup("g")
	assert.False(t, logger.Enabled(t.Context(), slog.LevelError))
	logger.Error("dropped")
}
