package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTwoPasswordAccountsInOrder(t *testing.T) {
	creds := Parse("a@x.com&pw1\nb@y.com&pw2")

	require.Len(t, creds, 2)
	assert.Equal(t, Credential{Kind: KindPassword, Email: "a@x.com", Password: "pw1", Index: 1}, creds[0])
	assert.Equal(t, Credential{Kind: KindPassword, Email: "b@y.com", Password: "pw2", Index: 2}, creds[1])
}

func TestParseMixedInput(t *testing.T) {
	creds := Parse("auth=abc; saltkey=xyz\r\n\n  c@z.com&p&w  \n")

	require.Len(t, creds, 2)
	assert.Equal(t, KindToken, creds[0].Kind)
	assert.Equal(t, "auth=abc; saltkey=xyz", creds[0].Token)
	assert.Equal(t, DefaultKey, creds[0].Key())

	assert.Equal(t, KindPassword, creds[1].Kind)
	assert.Equal(t, "c@z.com", creds[1].Email)
	assert.Equal(t, "p&w", creds[1].Password)
	assert.Equal(t, "c@z.com", creds[1].Key())
	assert.Equal(t, 2, creds[1].Index)
}

func TestParseEmpty(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse("\n \n"))
}

func TestHasPassword(t *testing.T) {
	assert.False(t, HasPassword(Parse("a=b")))
	assert.True(t, HasPassword(Parse("a=b\nx@y.com&pw")))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "al***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "ab@example.com", MaskEmail("ab@example.com"))
	assert.Equal(t, "default", MaskEmail("default"))
	assert.Equal(t, "", MaskEmail(""))
}
