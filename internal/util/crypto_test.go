package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	assert.NoError(t, err)
	assert.Len(t, a, 64)

	b, err := GenerateToken()
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashToken(t *testing.T) {
	hash := HashToken("secret-token")
	assert.Len(t, hash, 64)
	assert.Equal(t, hash, HashToken("secret-token"))
	assert.NotEqual(t, hash, HashToken("other-token"))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
}
