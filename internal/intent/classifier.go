// Package intent classifies inbound text deterministically: a fixed
// priority-ordered rule table, first match wins. Media bodies bypass
// classification entirely and postbacks carry their payload as the intent.
package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/otp"
)

// Kind discriminates the intent union.
type Kind int

const (
	Unknown Kind = iota
	CancelFlow
	Help
	Register
	VerifyOTP
	ConfirmOrder
	Negotiate
	CounterResponse
	OrderStatus
	AddressView
	AddressSet
	UploadHelp
	MediaReceipt
	Postback
)

func (k Kind) String() string {
	switch k {
	case CancelFlow:
		return "CANCEL_FLOW"
	case Help:
		return "HELP"
	case Register:
		return "REGISTER"
	case VerifyOTP:
		return "VERIFY_OTP"
	case ConfirmOrder:
		return "CONFIRM_ORDER"
	case Negotiate:
		return "NEGOTIATE"
	case CounterResponse:
		return "COUNTER_RESPONSE"
	case OrderStatus:
		return "ORDER_STATUS"
	case AddressView:
		return "ADDRESS_VIEW"
	case AddressSet:
		return "ADDRESS_SET"
	case UploadHelp:
		return "UPLOAD_HELP"
	case MediaReceipt:
		return "MEDIA_RECEIPT"
	case Postback:
		return "POSTBACK"
	default:
		return "UNKNOWN"
	}
}

// Intent is a classified inbound message. Only the fields relevant to the
// Kind carry meaning.
type Intent struct {
	Kind    Kind
	Code    string // VerifyOTP
	OrderID string // ConfirmOrder (optional), Negotiate, OrderStatus
	Amount  int64  // Negotiate, minor units
	Accept  bool   // CounterResponse
	Address string // AddressSet
	Payload string // Postback
}

var (
	registerRe   = regexp.MustCompile(`^(register|start|hi|hello|hey|begin)$`)
	verifyRe     = regexp.MustCompile(`^verify\s+([A-Za-z0-9!@#$%^&*]{6,8})$`)
	confirmRe    = regexp.MustCompile(`^(confirm)(?:\s+(\S+))?$`)
	negotiateRe  = regexp.MustCompile(`^negotiate\s+(\S+)\s+(\d+)$`)
	counterRe    = regexp.MustCompile(`^(accept|reject)\s+(counter|offer)$`)
	statusRe     = regexp.MustCompile(`^(order|status)\s+(\S+)$`)
	addressSetRe = regexp.MustCompile(`^update address to (.+)$`)
)

// Classify maps free text to an intent. Matching is over the case-folded,
// trimmed input. awaitingOTP gates the bare-code rule: outside an AWAIT_OTP
// step an exact-length token is ordinary text, so it falls to Unknown
// rather than being mistaken for a code.
func Classify(text string, awaitingOTP bool) Intent {
	raw := strings.TrimSpace(text)
	folded := strings.ToLower(raw)

	switch folded {
	case "cancel":
		return Intent{Kind: CancelFlow}
	case "help", "?":
		return Intent{Kind: Help}
	case "address":
		return Intent{Kind: AddressView}
	case "upload":
		return Intent{Kind: UploadHelp}
	}

	if registerRe.MatchString(folded) {
		return Intent{Kind: Register}
	}

	// "verify <code>" keeps the code's original case; only the keyword is
	// folded.
	if m := verifyRe.FindStringSubmatch(stripKeywordCase(raw, "verify")); m != nil {
		return Intent{Kind: VerifyOTP, Code: m[1]}
	}

	if m := confirmRe.FindStringSubmatch(folded); m != nil {
		orderID := ""
		if len(m) > 2 {
			orderID = m[2]
		}
		return Intent{Kind: ConfirmOrder, OrderID: orderID}
	}

	if m := negotiateRe.FindStringSubmatch(folded); m != nil {
		amount, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return Intent{Kind: Unknown}
		}
		return Intent{Kind: Negotiate, OrderID: m[1], Amount: amount}
	}

	if m := counterRe.FindStringSubmatch(folded); m != nil {
		return Intent{Kind: CounterResponse, Accept: m[1] == "accept"}
	}

	if m := statusRe.FindStringSubmatch(folded); m != nil {
		return Intent{Kind: OrderStatus, OrderID: m[2]}
	}

	if m := addressSetRe.FindStringSubmatch(folded); m != nil {
		// Preserve the user's casing for the address itself.
		return Intent{Kind: AddressSet, Address: strings.TrimSpace(raw[len(raw)-len(m[1]):])}
	}

	// Bare code: lowest-priority rule, only when a challenge is pending and
	// the token has exactly a code's shape.
	if awaitingOTP && otp.CodeShape(raw) {
		return Intent{Kind: VerifyOTP, Code: raw}
	}

	return Intent{Kind: Unknown}
}

// stripKeywordCase lowercases only the leading keyword so the regexp
// matches while the argument keeps its case.
func stripKeywordCase(raw, keyword string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < len(keyword) {
		return trimmed
	}
	head := trimmed[:len(keyword)]
	if strings.EqualFold(head, keyword) {
		return keyword + trimmed[len(keyword):]
	}
	return trimmed
}
