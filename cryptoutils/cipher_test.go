package cryptoutils

import (
	"testing"

	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, purpose string) []byte {
	t.Helper()
	master := make([]byte, MasterKeySize)
	for i := range master {
		master[i] = byte(i)
	}
	key, err := DeriveKey(master, purpose)
	require.NoError(t, err)
	return key
}

func TestAESCipherRoundTrip(t *testing.T) {
	c, err := NewAESCipher(testKey(t, PurposeConnectionSecret))
	require.NoError(t, err)

	conn := "postgres://tenant_acme_owner:secret@db:5432/tenant_acme"
	aad := []byte("tenant-id")

	sealed, err := c.Encrypt([]byte(conn), aad)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret")

	opened, err := c.Decrypt(sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, conn, string(opened))

	again, err := c.Encrypt([]byte(conn), aad)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")
}

func TestAESCipherRejectsBadInput(t *testing.T) {
	c, err := NewAESCipher(testKey(t, PurposeConnectionSecret))
	require.NoError(t, err)
	sealed, err := c.Encrypt([]byte("payload"), []byte("a"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	other, err := NewAESCipher(testKey(t, "other-purpose"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		cipher *AESCipher
		input  []byte
		aad    []byte
	}{
		{"tampered tag", c, tampered, []byte("a")},
		{"wrong associated data", c, sealed, []byte("b")},
		{"wrong key", other, sealed, []byte("a")},
		{"truncated", c, sealed[:5], []byte("a")},
		{"empty", c, nil, nil},
		{"bad version", c, append([]byte{0x09}, sealed[1:]...), []byte("a")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.cipher.Decrypt(tt.input, tt.aad)
			require.ErrorIs(t, err, interfaces.ErrDecryption)
			assert.Nil(t, out)
		})
	}
}

func TestAESCipherRotation(t *testing.T) {
	oldKey := testKey(t, "v1")
	newKey := testKey(t, "v2")

	oldCipher, err := NewAESCipher(oldKey)
	require.NoError(t, err)
	sealed, err := oldCipher.Encrypt([]byte("conn"), nil)
	require.NoError(t, err)

	rotated, err := NewAESCipher(newKey, oldKey)
	require.NoError(t, err)
	opened, err := rotated.Decrypt(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, "conn", string(opened))

	resealed, err := rotated.Encrypt(opened, nil)
	require.NoError(t, err)
	_, err = oldCipher.Decrypt(resealed, nil)
	assert.ErrorIs(t, err, interfaces.ErrDecryption)
}

func TestStringHelpers(t *testing.T) {
	c, err := NewAESCipher(testKey(t, PurposeConnectionSecret))
	require.NoError(t, err)

	enc, err := EncryptString(c, "file:/tmp/tenant_acme.db", []byte("id"))
	require.NoError(t, err)

	dec, err := DecryptString(c, enc, []byte("id"))
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/tenant_acme.db", dec)

	_, err = DecryptString(c, "", []byte("id"))
	assert.True(t, IsDecryptionError(err))

	_, err = DecryptString(c, "!!not-base64!!", []byte("id"))
	assert.True(t, IsDecryptionError(err))
}

func TestNewAESCipherKeySize(t *testing.T) {
	_, err := NewAESCipher(make([]byte, 16))
	assert.Error(t, err)
}

func TestDeriveKeys(t *testing.T) {
	master, err := GenerateMasterKey()
	require.NoError(t, err)

	a, err := DeriveKey(master, PurposeConnectionSecret)
	require.NoError(t, err)
	b, err := DeriveKey(master, PurposeConfirmToken)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)

	_, err = DeriveKey(master[:8], PurposeConfirmToken)
	assert.Error(t, err)

	p1 := DeriveDatabasePassword(a, "acme")
	p2 := DeriveDatabasePassword(a, "acme")
	p3 := DeriveDatabasePassword(a, "globex")
	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.NotContains(t, p1, "'")
}
