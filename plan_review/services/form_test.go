package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasData(t *testing.T) {
	// Empty payloads, regardless of formatting, carry no answers.
	assert.False(t, hasData(""))
	assert.False(t, hasData("{}"))
	assert.False(t, hasData("{ }"))
	assert.False(t, hasData("{\n}"))
	assert.False(t, hasData("null"))
	assert.False(t, hasData("[]"))
	assert.False(t, hasData("[ ]"))
	assert.False(t, hasData("not json"))

	assert.True(t, hasData(`{"a":1}`))
	assert.True(t, hasData(`{ "a" : "" }`))
	assert.True(t, hasData(`{"nested":{}}`))
	assert.True(t, hasData(`[1]`))
}
