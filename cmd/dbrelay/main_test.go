package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dbrelay/internal/auth"
	"github.com/2389/dbrelay/internal/config"
)

const testSecret = "test-secret-key-for-jwt-signing!"

func TestIssueToken(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, issueToken(config.AuthConfig{JWTSecret: testSecret}, "warehouse", time.Hour, &out))

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	sub, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "warehouse", sub)
}

func TestIssueToken_AuthorityMode(t *testing.T) {
	var out bytes.Buffer
	err := issueToken(config.AuthConfig{TokenAuthorityURL: "https://control.example.com"}, "warehouse", 0, &out)
	assert.Error(t, err)
	assert.Empty(t, out.String())
}

func TestRunToken_RequiresSubject(t *testing.T) {
	err := runToken([]string{"--ttl", "1h"}, &bytes.Buffer{})
	assert.EqualError(t, err, "--subject is required")
}
