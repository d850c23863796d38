package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	secret := []byte("app-secret")
	body := []byte(`{"object":"whatsapp_business_account"}`)

	header := Sign(body, secret)
	require.True(t, strings.HasPrefix(header, "sha256="))

	ok, _ := Verify(body, header, secret)
	assert.True(t, ok)
}

func TestVerifyMutatedBody(t *testing.T) {
	secret := []byte("app-secret")
	body := []byte(`{"object":"whatsapp_business_account"}`)
	header := Sign(body, secret)

	tampered := append([]byte{}, body...)
	tampered[0] = '['

	ok, _ := Verify(tampered, header, secret)
	assert.False(t, ok)
}

func TestVerifyWrongSecret(t *testing.T) {
	body := []byte("payload")
	header := Sign(body, []byte("right"))

	ok, _ := Verify(body, header, []byte("wrong"))
	assert.False(t, ok)
}

func TestVerifyMalformedHeader(t *testing.T) {
	secret := []byte("app-secret")
	body := []byte("payload")

	for _, header := range []string{
		"",
		"sha256=",
		"sha1=deadbeef",
		"sha256=nothex!!",
		Sign(body, secret)[7:], // digest without the scheme prefix
	} {
		ok, _ := Verify(body, header, secret)
		assert.False(t, ok, "header %q should fail", header)
	}
}

func TestVerifyMaskedDigestIsTruncated(t *testing.T) {
	secret := []byte("app-secret")
	body := []byte("payload")

	_, masked := Verify(body, "sha256=0000", secret)
	// 8 bytes hex-encoded; never the full MAC.
	assert.Len(t, masked, 16)
}
