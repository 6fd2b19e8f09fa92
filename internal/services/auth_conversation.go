// Package services – AuthConversation
//
// The authentication dialog is a tagged state (START, PHONE, CODE,
// OPERATIONAL, ABANDONED) plus a small payload. Step is a pure transition
// function: it never performs I/O, it only returns the next conversation and
// the effects the caller must run. Effects that talk to the provider report
// their outcome back as a new Input.
package services

import (
	"strings"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/sysutil"
)

// maxCodeDigits caps keypad entry.
const maxCodeDigits = 10

// Conversation is one control user's dialog state.
type Conversation struct {
	State domain.ConversationState `json:"state"`
	// Phone is the normalized number collected in PHONE.
	Phone string `json:"-"`
	// Digits is the code collected so far on the keypad.
	Digits string `json:"-"`
	// CodeAttempts counts rejected codes.
	CodeAttempts int `json:"code_attempts"`
	// KeypadMessageID is the control-surface message showing the keypad.
	KeypadMessageID int `json:"-"`
}

// NewConversation returns a conversation in START.
func NewConversation() Conversation { return Conversation{State: domain.ConvStart} }

// Input is an event fed to Step.
type Input interface{ isInput() }

type (
	// StartInput is /start; HasSession comes from the ConfigStore.
	StartInput struct{ HasSession bool }
	// CancelInput is /cancel.
	CancelInput struct{}
	// PhoneInput is a typed or shared phone number.
	PhoneInput struct{ Phone string }
	// PhoneAccepted reports a successful connect (and code request unless
	// the account was already authorized).
	PhoneAccepted struct{ AlreadyAuthorized bool }
	// PhoneRejected reports a failed connect or code request.
	PhoneRejected struct{ Err error }
	// DigitInput is one keypad digit.
	DigitInput struct{ Digit byte }
	// BackspaceInput removes the last keypad digit.
	BackspaceInput struct{}
	// ConfirmInput submits the keypad digits.
	ConfirmInput struct{}
	// CodeInput is a typed code.
	CodeInput struct{ Code string }
	// SignedIn reports an authorized sign-in.
	SignedIn struct{}
	// SignInRejected reports a sign-in that did not authorize. WrongCode
	// counts toward the attempt limit; PasswordRequired ends the dialog.
	SignInRejected struct {
		Err              error
		WrongCode        bool
		PasswordRequired bool
	}
	// PolicyInput is a policy choice.
	PolicyInput struct{ Policy domain.Policy }
	// PolicyRequest is /policy.
	PolicyRequest struct{}
	// SessionRevoked reports that a stored credential no longer authorizes
	// the account. The dialog restarts at PHONE.
	SessionRevoked struct{}
)

func (StartInput) isInput()     {}
func (CancelInput) isInput()    {}
func (PhoneInput) isInput()     {}
func (PhoneAccepted) isInput()  {}
func (PhoneRejected) isInput()  {}
func (DigitInput) isInput()     {}
func (BackspaceInput) isInput() {}
func (ConfirmInput) isInput()   {}
func (CodeInput) isInput()      {}
func (SignedIn) isInput()       {}
func (SignInRejected) isInput() {}
func (PolicyInput) isInput()    {}
func (PolicyRequest) isInput()  {}
func (SessionRevoked) isInput() {}

// Effect is work requested by Step.
type Effect interface{ isEffect() }

type (
	// PromptPhone asks the user for their phone number.
	PromptPhone struct{}
	// BeginLogin connects and, unless already authorized, requests a code.
	BeginLogin struct{ Phone string }
	// ShowKeypad renders (or updates) the code keypad.
	ShowKeypad struct{ Digits string }
	// SubmitCode signs in with the collected code.
	SubmitCode struct{ Phone, Code string }
	// PresentPolicy shows the policy choice.
	PresentPolicy struct{}
	// ApplyPolicy persists the policy and subscribes the session.
	ApplyPolicy struct{ Policy domain.Policy }
	// Say sends a plain message.
	Say struct{ Text string }
)

func (PromptPhone) isEffect()   {}
func (BeginLogin) isEffect()    {}
func (ShowKeypad) isEffect()    {}
func (SubmitCode) isEffect()    {}
func (PresentPolicy) isEffect() {}
func (ApplyPolicy) isEffect()   {}
func (Say) isEffect()           {}

// User-facing texts.
const (
	textStartHint      = "Send /start to begin."
	textCancelled      = "Sign-in cancelled. Send /start to begin again."
	textNothingCancel  = "Nothing to cancel."
	textBadPhone       = "That does not look like a phone number. Send it in international format, e.g. +79991234567."
	textPhoneHint      = "Send your phone number, or share your contact."
	textCodeHint       = "Enter the code with the keypad, or type it."
	textBadCode        = "The code must contain digits only."
	textEmptyCode      = "Enter the code first."
	textSignedIn       = "Signed in."
	textAlreadyAuth    = "This account is already authorized."
	textWrongCode      = "That code was not accepted. Try again."
	textTooManyCodes   = "Too many invalid codes. Send /start to try again."
	textPasswordNeeded = "This account has two-step verification enabled, which is not supported. Sign-in stopped."
	textFinishFirst    = "Finish signing in first."
	textRevoked        = "The saved session is no longer authorized. Sign in again."
)

// Step is the transition function of the dialog. codeLimit bounds rejected
// codes; 0 means unlimited.
func Step(c Conversation, in Input, codeLimit int) (Conversation, []Effect) {
	switch in := in.(type) {
	case StartInput:
		if in.HasSession {
			return Conversation{State: domain.ConvOperational}, []Effect{PresentPolicy{}}
		}
		return Conversation{State: domain.ConvPhone}, []Effect{PromptPhone{}}
	case CancelInput:
		if c.State == domain.ConvOperational {
			return c, []Effect{Say{textNothingCancel}}
		}
		return Conversation{State: domain.ConvAbandoned}, []Effect{Say{textCancelled}}
	case SessionRevoked:
		return Conversation{State: domain.ConvPhone}, []Effect{Say{textRevoked}, PromptPhone{}}
	}

	switch c.State {
	case domain.ConvPhone:
		return stepPhone(c, in)
	case domain.ConvCode:
		return stepCode(c, in, codeLimit)
	case domain.ConvOperational:
		switch in := in.(type) {
		case PolicyInput:
			return c, []Effect{ApplyPolicy{in.Policy}}
		case PolicyRequest:
			return c, []Effect{PresentPolicy{}}
		}
		return c, nil
	}
	if _, ok := in.(PolicyInput); ok {
		return c, []Effect{Say{textFinishFirst}}
	}
	return c, []Effect{Say{textStartHint}}
}

func stepPhone(c Conversation, in Input) (Conversation, []Effect) {
	switch in := in.(type) {
	case PhoneInput:
		p, err := sysutil.NormalizePhone(in.Phone)
		if err != nil {
			return c, []Effect{Say{textBadPhone}}
		}
		c.Phone = p
		return c, []Effect{BeginLogin{Phone: p}}
	case PhoneAccepted:
		if in.AlreadyAuthorized {
			return Conversation{State: domain.ConvOperational}, []Effect{Say{textAlreadyAuth}, PresentPolicy{}}
		}
		c.State = domain.ConvCode
		c.Digits = ""
		c.CodeAttempts = 0
		c.KeypadMessageID = 0
		return c, []Effect{ShowKeypad{}}
	case PhoneRejected:
		return c, []Effect{Say{"Could not start sign-in: " + errText(in.Err) + "\nCheck the number and try again."}}
	case PolicyInput, PolicyRequest:
		return c, []Effect{Say{textFinishFirst}}
	}
	return c, []Effect{Say{textPhoneHint}}
}

func stepCode(c Conversation, in Input, codeLimit int) (Conversation, []Effect) {
	switch in := in.(type) {
	case DigitInput:
		if in.Digit < '0' || in.Digit > '9' {
			return c, nil
		}
		if len(c.Digits) < maxCodeDigits {
			c.Digits += string(in.Digit)
		}
		return c, []Effect{ShowKeypad{c.Digits}}
	case BackspaceInput:
		if n := len(c.Digits); n > 0 {
			c.Digits = c.Digits[:n-1]
		}
		return c, []Effect{ShowKeypad{c.Digits}}
	case ConfirmInput:
		if c.Digits == "" {
			return c, []Effect{Say{textEmptyCode}}
		}
		return c, []Effect{SubmitCode{Phone: c.Phone, Code: c.Digits}}
	case CodeInput:
		code := strings.Join(strings.Fields(in.Code), "")
		if code == "" || strings.Trim(code, "0123456789") != "" || len(code) > maxCodeDigits {
			return c, []Effect{Say{textBadCode}}
		}
		c.Digits = code
		return c, []Effect{SubmitCode{Phone: c.Phone, Code: code}}
	case SignedIn:
		return Conversation{State: domain.ConvOperational}, []Effect{Say{textSignedIn}, PresentPolicy{}}
	case SignInRejected:
		c.Digits = ""
		if in.PasswordRequired {
			return Conversation{State: domain.ConvAbandoned}, []Effect{Say{textPasswordNeeded}}
		}
		if !in.WrongCode {
			return c, []Effect{Say{"Sign-in failed: " + errText(in.Err) + "\nTry again."}, ShowKeypad{}}
		}
		c.CodeAttempts++
		if codeLimit > 0 && c.CodeAttempts >= codeLimit {
			return Conversation{State: domain.ConvAbandoned}, []Effect{Say{textTooManyCodes}}
		}
		return c, []Effect{Say{textWrongCode}, ShowKeypad{}}
	case PhoneInput:
		// A new number restarts the login from PHONE.
		return stepPhone(Conversation{State: domain.ConvPhone}, in)
	case PolicyInput, PolicyRequest:
		return c, []Effect{Say{textFinishFirst}}
	}
	return c, []Effect{Say{textCodeHint}}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
