package ws

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "server shutting down", truncateReason("server shutting down"))

	ascii := strings.Repeat("x", 200)
	assert.Len(t, truncateReason(ascii), 123)

	// The two-byte rune straddles the limit and must be dropped whole.
	split := strings.Repeat("a", 122) + "é" + "tail"
	got := truncateReason(split)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 122), got)

	wide := strings.Repeat("界", 60)
	got = truncateReason(wide)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 123)
	assert.Equal(t, 41, utf8.RuneCountInString(got))
}
