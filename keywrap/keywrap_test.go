package keywrap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for i := 0; i < 5; i++ {
		hashKey, err := GenerateHashKey()
		require.NoError(t, err)
		require.Len(t, hashKey, HashKeyLen)

		secretBuf, err := GenerateSecretKey()
		require.NoError(t, err)
		defer secretBuf.Destroy()

		token, err := EncryptKey(hashKey, secretBuf.Bytes())
		require.NoError(t, err)
		require.Len(t, token, TokenLen)
		require.Equal(t, 44, TokenLen)

		got, err := DecryptKey(token, secretBuf.Bytes())
		require.NoError(t, err)
		require.Equal(t, hashKey, got)
	}
}

func TestDecryptWrongSecretKeyFails(t *testing.T) {
	hashKey, err := GenerateHashKey()
	require.NoError(t, err)

	buf1, err := GenerateSecretKey()
	require.NoError(t, err)
	defer buf1.Destroy()
	buf2, err := GenerateSecretKey()
	require.NoError(t, err)
	defer buf2.Destroy()

	token, err := EncryptKey(hashKey, buf1.Bytes())
	require.NoError(t, err)

	_, err = DecryptKey(token, buf2.Bytes())
	require.ErrorIs(t, err, ErrAuthFailure)
}

func TestDecryptTamperedTokenFails(t *testing.T) {
	hashKey, err := GenerateHashKey()
	require.NoError(t, err)

	buf, err := GenerateSecretKey()
	require.NoError(t, err)
	defer buf.Destroy()

	token, err := EncryptKey(hashKey, buf.Bytes())
	require.NoError(t, err)

	token[len(token)-1] ^= 0xFF
	_, err = DecryptKey(token, buf.Bytes())
	require.ErrorIs(t, err, ErrAuthFailure)
}
