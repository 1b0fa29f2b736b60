package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", SanitizeText("  Ada \t Lovelace "))
	assert.Equal(t, "O'Brien", SanitizeText("O'Brien"))
	assert.Equal(t, "ants", SanitizeText("an\x00ts"))
	assert.Equal(t, "one line", SanitizeText("one\nline"))
	assert.Equal(t, "", SanitizeText(" \t\n "))
}

func TestSanitizeMultiline(t *testing.T) {
	assert.Equal(t, "first\nsecond", SanitizeMultiline("first\r\nsecond\r\n"))
	assert.Equal(t, "kept\ttab", SanitizeMultiline("kept\ttab\x07"))
}

func TestContainsSuspicious(t *testing.T) {
	for _, bad := range []string{
		"<img src=x>",
		"hello ${name}",
		"JavaScript:alert(1)",
		"onerror=boom",
	} {
		assert.True(t, ContainsSuspicious(bad), bad)
	}
	assert.False(t, ContainsSuspicious("plain old name"))
	assert.False(t, ContainsSuspicious("ant@hill.org"))
}

func TestValidEmail(t *testing.T) {
	assert.True(t, ValidEmail("ant@hill.org"))
	assert.False(t, ValidEmail("Ant Hill <ant@hill.org>"))
	assert.False(t, ValidEmail("not-an-address"))
	assert.False(t, ValidEmail(""))
}
