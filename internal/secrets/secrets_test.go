package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	Cost = bcrypt.MinCost
	m.Run()
}

func TestToken(t *testing.T) {
	a, err := Token(32)
	require.NoError(t, err)
	b, err := Token(32)
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestHashAndCompare(t *testing.T) {
	hash, err := Hash("s3cret")
	require.NoError(t, err)

	assert.True(t, Compare(hash, "s3cret"))
	assert.False(t, Compare(hash, "S3cret"))
	assert.False(t, Compare("", "s3cret"))
}

func TestDigestIsStable(t *testing.T) {
	assert.Equal(t, Digest("abc"), Digest("abc"))
	assert.NotEqual(t, Digest("abc"), Digest("abd"))
	assert.Len(t, Digest("abc"), 64)
}
