package botapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-account-warden/internal/domain"
)

// MaxMessageRunes is the Bot API text limit.
const MaxMessageRunes = 4096

// Surface renders the control conversation through the Bot API. An
// AccountID is the control user's private chat id.
type Surface struct {
	Client *Client
}

// ChatID converts an account identity to a Bot API chat id.
func ChatID(id domain.AccountID) (int64, error) {
	n, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("account id %q is not a chat id: %w", id, err)
	}
	return n, nil
}

// AccountID converts a chat id to an account identity.
func AccountID(chatID int64) domain.AccountID {
	return domain.AccountID(strconv.FormatInt(chatID, 10))
}

func (s *Surface) send(ctx context.Context, id domain.AccountID, text string, markup any) (int, error) {
	chat, err := ChatID(id)
	if err != nil {
		return 0, err
	}
	return s.Client.SendMessage(ctx, chat, truncate(text), markup)
}

// Notify implements the notification relay.
func (s *Surface) Notify(ctx context.Context, id domain.AccountID, text string) error {
	_, err := s.send(ctx, id, text, nil)
	return err
}

// PromptPhone asks for the phone number with a share-contact button.
func (s *Surface) PromptPhone(ctx context.Context, id domain.AccountID) error {
	_, err := s.send(ctx, id, "Send the phone number of the account to automate in international format, or share your contact.", PhoneKeyboard())
	return err
}

// ShowCodeKeypad edits the keypad message in place, sending a new one when
// there is none or it can no longer be edited.
func (s *Surface) ShowCodeKeypad(ctx context.Context, id domain.AccountID, messageID int, digits string) (int, error) {
	text := keypadText(digits)
	if messageID != 0 {
		chat, err := ChatID(id)
		if err != nil {
			return 0, err
		}
		err = s.Client.EditMessageText(ctx, chat, messageID, text, CodeKeypad())
		if err == nil || errors.Is(err, ErrNotModified) {
			return messageID, nil
		}
		log.Warn().Err(err).Str("account_id", id.String()).Msg("edit keypad; sending a new one")
	}
	return s.send(ctx, id, text, CodeKeypad())
}

func keypadText(digits string) string {
	if digits == "" {
		digits = "_"
	}
	return "Enter the verification code you received.\nCode: " + digits
}

// PresentPolicyChoice shows the policy keyboard.
func (s *Surface) PresentPolicyChoice(ctx context.Context, id domain.AccountID, current domain.Policy) error {
	if !current.Valid() {
		current = domain.PolicyA
	}
	_, err := s.send(ctx, id, "Choose how incoming messages are handled. Current: "+current.Label()+".", PolicyKeyboard(current))
	return err
}

// Say sends plain text and hides any reply keyboard.
func (s *Surface) Say(ctx context.Context, id domain.AccountID, text string) error {
	_, err := s.send(ctx, id, text, ReplyKeyboardRemove{RemoveKeyboard: true})
	return err
}

func truncate(text string) string {
	r := []rune(text)
	if len(r) <= MaxMessageRunes {
		return text
	}
	return string(r[:MaxMessageRunes-1]) + "…"
}
