package security

import (
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("some secret"), nil)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("hello there")
	require.NoError(t, err)
	assert.NotEqual(t, "hello there", sealed)

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello there", plain)

	empty, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = enc.Decrypt("garbage")
	assert.ErrorIs(t, err, ErrUndecryptable)
}

func TestEncryptor_LegacyFernet(t *testing.T) {
	var k fernet.Key
	require.NoError(t, k.Generate())
	legacy, err := fernet.EncryptAndSign([]byte("old row"), &k)
	require.NoError(t, err)

	enc, err := NewEncryptor([]byte("new secret"), []string{k.Encode()})
	require.NoError(t, err)

	plain, err := enc.Decrypt(string(legacy))
	require.NoError(t, err)
	assert.Equal(t, "old row", plain)
}

func TestTokenService(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	tok, err := svc.Issue(42)
	require.NoError(t, err)
	id, err := svc.UserID(tok)
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	expired, err := svc.IssueWithTTL(42, -time.Minute)
	require.NoError(t, err)
	_, err = svc.UserID(expired)
	assert.Error(t, err)

	_, err = NewTokenService("other", time.Hour).UserID(tok)
	assert.Error(t, err)
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(4)
	_, err := h.Hash("abc")
	assert.ErrorIs(t, err, ErrWeakPassword)

	hashed, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.NoError(t, h.Verify("correct horse", hashed))
	assert.Error(t, h.Verify("wrong", hashed))
}
