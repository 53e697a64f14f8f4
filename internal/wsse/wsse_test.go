package wsse

import (
	"testing"
	"time"

	"github.com/clbanning/mxj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoncesAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok, err := Generate("admin", "secret")
		require.NoError(t, err)
		require.Len(t, tok.Nonce, NonceSize)

		n := tok.EncodedNonce()
		_, dup := seen[n]
		require.False(t, dup, "nonce repeated after %d tokens", i)
		seen[n] = struct{}{}
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	nonce := []byte("0123456789abcdef")
	created := "2024-03-01T10:20:30Z"

	base := Digest(nonce, created, "secret")
	assert.Equal(t, base, Digest(nonce, created, "secret"))

	assert.NotEqual(t, base, Digest([]byte("0123456789abcdeF"), created, "secret"))
	assert.NotEqual(t, base, Digest(nonce, "2024-03-01T10:20:31Z", "secret"))
	assert.NotEqual(t, base, Digest(nonce, created, "Secret"))
}

func TestGenerateAtFormatsTimes(t *testing.T) {
	at := time.Date(2024, 3, 1, 11, 20, 30, 999_000_000, time.FixedZone("CET", 3600))

	tok, err := GenerateAt("admin", "secret", at)
	require.NoError(t, err)

	assert.Equal(t, "2024-03-01T10:20:30Z", tok.Created)
	assert.Equal(t, "2024-03-01T10:25:30Z", tok.Expires)
	assert.Equal(t, Digest(tok.Nonce, tok.Created, "secret"), tok.Digest)
}

func TestHeaderCarriesToken(t *testing.T) {
	tok, err := Generate("ad<min", "secret")
	require.NoError(t, err)

	raw, err := tok.Header()
	require.NoError(t, err)

	m, err := mxj.NewMapXml(raw)
	require.NoError(t, err)

	user, err := m.ValueForPathString("Security.UsernameToken.Username")
	require.NoError(t, err)
	assert.Equal(t, "ad<min", user)

	digest, err := m.ValueForPathString("Security.UsernameToken.Password.#text")
	require.NoError(t, err)
	assert.Equal(t, tok.Digest, digest)

	nonce, err := m.ValueForPathString("Security.UsernameToken.Nonce.#text")
	require.NoError(t, err)
	assert.Equal(t, tok.EncodedNonce(), nonce)

	expires, err := m.ValueForPathString("Security.Timestamp.Expires")
	require.NoError(t, err)
	assert.Equal(t, tok.Expires, expires)
}
