package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	assert.Contains(t, Text("it", Busy), "occupati")
	assert.Contains(t, Text("en-GB", Offline), "offline")
	assert.Equal(t, Text("en", NoAgent), Text("xx", NoAgent))
}

func TestBooleanWords(t *testing.T) {
	yes, no, ok := BooleanWords("fr_CA")
	assert.True(t, ok)
	assert.Equal(t, "oui", yes)
	assert.Equal(t, "non", no)

	_, _, ok = BooleanWords("tlh")
	assert.False(t, ok)
}
