package audit

import (
	"regexp"
	"strings"
)

// ============================================================================
// PII MASKING
// ============================================================================

var (
	phoneRe = regexp.MustCompile(`\+?\d{7,15}`)
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// MaskPhone redacts a phone number to "+CC***DDDD": country code prefix plus
// the last four digits. Inputs too short to split are fully redacted.
func MaskPhone(phone string) string {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 7 {
		return "***"
	}
	cc := ""
	if len(digits) > 10 {
		cc = digits[:len(digits)-10]
	}
	if cc == "" || len(cc) > 3 {
		cc = digits[:2]
	}
	return "+" + cc + "***" + digits[len(digits)-4:]
}

// MaskEmail redacts an email to "a***@domain".
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// MaskValue scrubs phone numbers and emails embedded anywhere in a free-form
// string. Applied to every detail value before a record is persisted, so a
// caller cannot leak PII through the details map by accident.
func MaskValue(s string) string {
	s = emailRe.ReplaceAllStringFunc(s, MaskEmail)
	s = phoneRe.ReplaceAllStringFunc(s, MaskPhone)
	return s
}

// MaskSenderID masks the platform-sender composite id ("WA:234803...") while
// keeping the platform prefix readable for log correlation.
func MaskSenderID(senderID string) string {
	i := strings.Index(senderID, ":")
	if i < 0 {
		return MaskValue(senderID)
	}
	return senderID[:i+1] + MaskValue(senderID[i+1:])
}

// MaskDetails returns a masked copy of a details map. The original map is
// never mutated.
func MaskDetails(details map[string]string) map[string]string {
	if details == nil {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		out[k] = MaskValue(v)
	}
	return out
}
