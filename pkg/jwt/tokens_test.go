package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("run-1", "mysite", "production", "s3cret", time.Now(), time.Minute)
	require.NoError(t, err)

	claims, err := Parse(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "run-1", claims.RunID)
	assert.Equal(t, "mysite", claims.Project)
	assert.Equal(t, "production", claims.Environment)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Equal(t, "mysite/production", claims.Subject)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("run-1", "mysite", "production", "s3cret", time.Now(), time.Minute)
	require.NoError(t, err)

	_, err = Parse(token, "other")
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := GenerateToken("run-1", "mysite", "production", "s3cret", time.Now().Add(-time.Hour), time.Minute)
	require.NoError(t, err)

	_, err = Parse(token, "s3cret")
	assert.Error(t, err)
}

func TestGenerateRequiresSecret(t *testing.T) {
	_, err := GenerateToken("run-1", "mysite", "production", "", time.Now(), time.Minute)
	assert.Error(t, err)
}
