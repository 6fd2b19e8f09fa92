package botapi

import (
	"strings"

	"github.com/tbourn/go-account-warden/internal/domain"
)

// Callback data sent by the inline keyboards.
const (
	CallbackDigitPrefix  = "num_"
	CallbackBackspace    = "backspace"
	CallbackConfirm      = "confirm"
	CallbackPolicyPrefix = "policy:"
)

// PhoneKeyboard asks the user to share their contact.
func PhoneKeyboard() ReplyKeyboardMarkup {
	return ReplyKeyboardMarkup{
		Keyboard:        [][]KeyboardButton{{{Text: "Share phone number", RequestContact: true}}},
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}

// CodeKeypad is the digit keypad used to enter the verification code.
func CodeKeypad() *InlineKeyboardMarkup {
	digit := func(d string) InlineKeyboardButton {
		return InlineKeyboardButton{Text: d, CallbackData: CallbackDigitPrefix + d}
	}
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{digit("1"), digit("2"), digit("3")},
		{digit("4"), digit("5"), digit("6")},
		{digit("7"), digit("8"), digit("9")},
		{
			{Text: "⌫", CallbackData: CallbackBackspace},
			digit("0"),
			{Text: "✓", CallbackData: CallbackConfirm},
		},
	}}
}

var policyLabels = map[domain.Policy]string{
	domain.PolicyA: "Policy A: auto-acknowledge",
	domain.PolicyB: "Policy B: silence and forward to me",
}

// PolicyKeyboard offers both policies, marking current.
func PolicyKeyboard(current domain.Policy) *InlineKeyboardMarkup {
	rows := make([][]InlineKeyboardButton, 0, 2)
	for _, p := range []domain.Policy{domain.PolicyA, domain.PolicyB} {
		label := policyLabels[p]
		if p == current {
			label = "• " + label
		}
		rows = append(rows, []InlineKeyboardButton{{Text: label, CallbackData: CallbackPolicyPrefix + string(p)}})
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

// CallbackKind classifies callback data.
type CallbackKind int

const (
	CallbackUnknown CallbackKind = iota
	CallbackDigit
	CallbackDelete
	CallbackSubmit
	CallbackPolicy
)

// Callback is parsed callback data.
type Callback struct {
	Kind   CallbackKind
	Digit  byte
	Policy domain.Policy
}

// ParseCallback decodes keyboard callback data. The bare "1"/"2" policy
// identifiers of older keyboards are still understood.
func ParseCallback(data string) Callback {
	switch {
	case data == CallbackBackspace:
		return Callback{Kind: CallbackDelete}
	case data == CallbackConfirm:
		return Callback{Kind: CallbackSubmit}
	case strings.HasPrefix(data, CallbackDigitPrefix):
		d := strings.TrimPrefix(data, CallbackDigitPrefix)
		if len(d) == 1 && d[0] >= '0' && d[0] <= '9' {
			return Callback{Kind: CallbackDigit, Digit: d[0]}
		}
	case strings.HasPrefix(data, CallbackPolicyPrefix), data == "1", data == "2":
		if p, err := domain.ParsePolicy(strings.TrimPrefix(data, CallbackPolicyPrefix)); err == nil {
			return Callback{Kind: CallbackPolicy, Policy: p}
		}
	}
	return Callback{Kind: CallbackUnknown}
}
