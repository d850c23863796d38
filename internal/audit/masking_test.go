package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+2348031234567", "+234***4567"},
		{"2348031234567", "+234***4567"},
		{"+14155551234", "+1***1234"},
		{"08031234567", "+0***4567"},
		{"8031234567", "+80***4567"}, // exactly 10 digits, no country code
		{"123456", "***"},            // too short to split
		{"", "***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskPhone(tt.in), "input %q", tt.in)
	}
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***@example.com", MaskEmail("alice@example.com"))
	assert.Equal(t, "***", MaskEmail("not-an-email"))
	assert.Equal(t, "***", MaskEmail("@nolocal.com"))
}

func TestMaskValueScrubsEmbeddedPII(t *testing.T) {
	in := "buyer alice@example.com called from +2348031234567 about the order"
	out := MaskValue(in)

	assert.NotContains(t, out, "alice@example.com")
	assert.NotContains(t, out, "2348031234567")
	assert.Contains(t, out, "a***@example.com")
	assert.Contains(t, out, "+234***4567")
}

func TestMaskSenderIDKeepsPlatformPrefix(t *testing.T) {
	out := MaskSenderID("WA:2348031234567")
	assert.Contains(t, out, "WA:")
	assert.NotContains(t, out, "2348031234567")
}

func TestMaskDetailsCopies(t *testing.T) {
	in := map[string]string{"contact": "+2348031234567"}
	out := MaskDetails(in)

	assert.Equal(t, "+2348031234567", in["contact"], "original must not be mutated")
	assert.NotContains(t, out["contact"], "2348031234567")
	assert.Nil(t, MaskDetails(nil))
}
