package services

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tbourn/go-account-warden/internal/domain"
)

func TestStep_Start(t *testing.T) {
	c, eff := Step(NewConversation(), StartInput{}, 3)
	if c.State != domain.ConvPhone || !reflect.DeepEqual(eff, []Effect{PromptPhone{}}) {
		t.Fatalf("fresh start = %v %v", c.State, eff)
	}

	c, eff = Step(Conversation{State: domain.ConvCode, Digits: "12"}, StartInput{HasSession: true}, 3)
	if c.State != domain.ConvOperational || !reflect.DeepEqual(eff, []Effect{PresentPolicy{}}) {
		t.Fatalf("start with session = %v %v", c.State, eff)
	}
	if c.Digits != "" {
		t.Fatalf("restart must drop keypad digits")
	}
}

func TestStep_Cancel(t *testing.T) {
	for _, st := range []domain.ConversationState{domain.ConvStart, domain.ConvPhone, domain.ConvCode} {
		c, eff := Step(Conversation{State: st}, CancelInput{}, 3)
		if c.State != domain.ConvAbandoned || len(eff) != 1 {
			t.Fatalf("cancel from %s = %v %v", st, c.State, eff)
		}
	}
	c, eff := Step(Conversation{State: domain.ConvOperational}, CancelInput{}, 3)
	if c.State != domain.ConvOperational || !reflect.DeepEqual(eff, []Effect{Say{textNothingCancel}}) {
		t.Fatalf("cancel while operational = %v %v", c.State, eff)
	}
}

func TestStep_Phone(t *testing.T) {
	phone := Conversation{State: domain.ConvPhone}

	c, eff := Step(phone, PhoneInput{Phone: "+7 (999) 123-45-67"}, 3)
	if c.State != domain.ConvPhone || !reflect.DeepEqual(eff, []Effect{BeginLogin{Phone: "+79991234567"}}) {
		t.Fatalf("valid phone = %v %v", c.State, eff)
	}
	if c.Phone != "+79991234567" {
		t.Fatalf("phone not stored: %q", c.Phone)
	}

	_, eff = Step(phone, PhoneInput{Phone: "call me"}, 3)
	if !reflect.DeepEqual(eff, []Effect{Say{textBadPhone}}) {
		t.Fatalf("bad phone = %v", eff)
	}

	c, eff = Step(Conversation{State: domain.ConvPhone, Phone: "+1"}, PhoneAccepted{}, 3)
	if c.State != domain.ConvCode || !reflect.DeepEqual(eff, []Effect{ShowKeypad{}}) {
		t.Fatalf("accepted = %v %v", c.State, eff)
	}

	c, eff = Step(phone, PhoneAccepted{AlreadyAuthorized: true}, 3)
	if c.State != domain.ConvOperational || len(eff) != 2 {
		t.Fatalf("already authorized = %v %v", c.State, eff)
	}

	c, _ = Step(phone, PhoneRejected{Err: errors.New("flood")}, 3)
	if c.State != domain.ConvPhone {
		t.Fatalf("rejected phone should stay in PHONE, got %s", c.State)
	}

	_, eff = Step(phone, PolicyInput{Policy: domain.PolicyB}, 3)
	if !reflect.DeepEqual(eff, []Effect{Say{textFinishFirst}}) {
		t.Fatalf("policy before sign-in = %v", eff)
	}
}

func TestStep_Keypad(t *testing.T) {
	c := Conversation{State: domain.ConvCode, Phone: "+1555"}
	for _, d := range []byte("123") {
		c, _ = Step(c, DigitInput{Digit: d}, 3)
	}
	c, eff := Step(c, BackspaceInput{}, 3)
	if c.Digits != "12" || !reflect.DeepEqual(eff, []Effect{ShowKeypad{Digits: "12"}}) {
		t.Fatalf("after backspace = %q %v", c.Digits, eff)
	}
	_, eff = Step(c, ConfirmInput{}, 3)
	if !reflect.DeepEqual(eff, []Effect{SubmitCode{Phone: "+1555", Code: "12"}}) {
		t.Fatalf("confirm = %v", eff)
	}

	empty := Conversation{State: domain.ConvCode}
	if _, eff := Step(empty, ConfirmInput{}, 3); !reflect.DeepEqual(eff, []Effect{Say{textEmptyCode}}) {
		t.Fatalf("empty confirm = %v", eff)
	}
	if got, _ := Step(empty, BackspaceInput{}, 3); got.Digits != "" {
		t.Fatalf("backspace on empty = %q", got.Digits)
	}

	long := Conversation{State: domain.ConvCode}
	for i := 0; i < maxCodeDigits+3; i++ {
		long, _ = Step(long, DigitInput{Digit: '9'}, 3)
	}
	if len(long.Digits) != maxCodeDigits {
		t.Fatalf("keypad not capped: %d digits", len(long.Digits))
	}
}

func TestStep_TypedCode(t *testing.T) {
	c := Conversation{State: domain.ConvCode, Phone: "+1555"}
	if _, eff := Step(c, CodeInput{Code: "12 345"}, 3); !reflect.DeepEqual(eff, []Effect{SubmitCode{Phone: "+1555", Code: "12345"}}) {
		t.Fatalf("typed code = %v", eff)
	}
	if _, eff := Step(c, CodeInput{Code: "12a45"}, 3); !reflect.DeepEqual(eff, []Effect{Say{textBadCode}}) {
		t.Fatalf("non-digit code = %v", eff)
	}
}

func TestStep_SignInOutcomes(t *testing.T) {
	code := Conversation{State: domain.ConvCode, Phone: "+1555", Digits: "1"}

	c, eff := Step(code, SignedIn{}, 3)
	if c.State != domain.ConvOperational || !reflect.DeepEqual(eff, []Effect{Say{textSignedIn}, PresentPolicy{}}) {
		t.Fatalf("signed in = %v %v", c.State, eff)
	}

	c, _ = Step(code, SignInRejected{PasswordRequired: true}, 3)
	if c.State != domain.ConvAbandoned {
		t.Fatalf("password required should abandon, got %s", c.State)
	}

	c, _ = Step(code, SignInRejected{Err: errors.New("timeout")}, 3)
	if c.State != domain.ConvCode || c.CodeAttempts != 0 {
		t.Fatalf("network failure must not count as an attempt: %+v", c)
	}

	c = code
	for i := 1; i < 3; i++ {
		c, _ = Step(c, SignInRejected{WrongCode: true}, 3)
		if c.State != domain.ConvCode || c.CodeAttempts != i {
			t.Fatalf("attempt %d = %+v", i, c)
		}
	}
	c, eff = Step(c, SignInRejected{WrongCode: true}, 3)
	if c.State != domain.ConvAbandoned || !reflect.DeepEqual(eff, []Effect{Say{textTooManyCodes}}) {
		t.Fatalf("limit reached = %v %v", c.State, eff)
	}

	c = code
	for i := 0; i < 10; i++ {
		c, _ = Step(c, SignInRejected{WrongCode: true}, 0)
	}
	if c.State != domain.ConvCode {
		t.Fatalf("limit 0 means unlimited, got %s", c.State)
	}
}

func TestStep_NewPhoneDuringCodeRestarts(t *testing.T) {
	c := Conversation{State: domain.ConvCode, Phone: "+1555", Digits: "12", CodeAttempts: 2}
	c, eff := Step(c, PhoneInput{Phone: "+44 7700 900123"}, 3)
	if c.State != domain.ConvPhone || c.CodeAttempts != 0 || c.Digits != "" {
		t.Fatalf("restart = %+v", c)
	}
	if !reflect.DeepEqual(eff, []Effect{BeginLogin{Phone: "+447700900123"}}) {
		t.Fatalf("restart effects = %v", eff)
	}
}

func TestStep_Operational(t *testing.T) {
	op := Conversation{State: domain.ConvOperational}
	if _, eff := Step(op, PolicyInput{Policy: domain.PolicyB}, 3); !reflect.DeepEqual(eff, []Effect{ApplyPolicy{Policy: domain.PolicyB}}) {
		t.Fatalf("policy choice = %v", eff)
	}
	if _, eff := Step(op, PolicyRequest{}, 3); !reflect.DeepEqual(eff, []Effect{PresentPolicy{}}) {
		t.Fatalf("policy request = %v", eff)
	}
	if c, eff := Step(op, DigitInput{Digit: '1'}, 3); c.State != domain.ConvOperational || eff != nil {
		t.Fatalf("stray input = %v %v", c.State, eff)
	}
}

func TestStep_StartStateHints(t *testing.T) {
	if _, eff := Step(NewConversation(), PhoneInput{Phone: "+1"}, 3); !reflect.DeepEqual(eff, []Effect{Say{textStartHint}}) {
		t.Fatalf("input before /start = %v", eff)
	}
	if _, eff := Step(NewConversation(), PolicyInput{Policy: domain.PolicyA}, 3); !reflect.DeepEqual(eff, []Effect{Say{textFinishFirst}}) {
		t.Fatalf("policy before /start = %v", eff)
	}
}

func TestStep_SessionRevoked(t *testing.T) {
	for _, st := range []domain.ConversationState{domain.ConvStart, domain.ConvOperational} {
		c, eff := Step(Conversation{State: st, CodeAttempts: 2}, SessionRevoked{}, 3)
		if c.State != domain.ConvPhone || c.CodeAttempts != 0 {
			t.Fatalf("revoked from %s = %+v", st, c)
		}
		if !reflect.DeepEqual(eff, []Effect{Say{textRevoked}, PromptPhone{}}) {
			t.Fatalf("revoked from %s effects = %v", st, eff)
		}
	}
}
