// Webhook handler for the control bot.
//
// Telegram POSTs every update of the control bot here. The handler checks the
// webhook secret, drops redeliveries, throttles per control chat, and turns
// commands, typed text, shared contacts and keypad presses into dialog
// inputs. Anything past authentication is answered 200: a non-2xx reply makes
// Telegram redeliver the same update.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/botapi"
	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/http/middleware"
	"github.com/tbourn/go-account-warden/internal/repo"
	"github.com/tbourn/go-account-warden/internal/services"
)

// defaultUpdateTimeout bounds the work done for one update.
const defaultUpdateTimeout = 45 * time.Second

// Dialog is the part of services.AuthFlow the webhook drives.
type Dialog interface {
	Start(ctx context.Context, id domain.AccountID) error
	Handle(ctx context.Context, id domain.AccountID, in services.Input) error
	Logout(ctx context.Context, id domain.AccountID) error
	Conversation(id domain.AccountID) services.Conversation
}

// CallbackAnswerer acknowledges inline keyboard presses.
type CallbackAnswerer interface {
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// Limiter throttles by key.
type Limiter interface {
	Allow(key string) bool
}

// Webhook serves control-bot updates.
type Webhook struct {
	Dialog   Dialog
	Answerer CallbackAnswerer
	// DB records processed update ids; nil disables de-duplication.
	DB       *gorm.DB
	DedupTTL time.Duration
	// Secret must match X-Telegram-Bot-Api-Secret-Token when set.
	Secret  string
	Limiter Limiter
	Timeout time.Duration
}

// Handle godoc
// @ID          telegramWebhook
// @Summary     Receive a control-bot update
// @Description Entry point registered with Telegram's setWebhook. Redelivered update ids are acknowledged without side effects.
// @Tags        Webhook
// @Accept      json
// @Produce     json
//
// @Param       X-Telegram-Bot-Api-Secret-Token  header  string         false  "Webhook secret"
// @Param       body                             body    botapi.Update  true   "Telegram update"
//
// @Success     200  {object}  map[string]bool
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed update"
// @Failure     401  {object}  handlers.ErrorResponse  "Secret mismatch"
// @Router      /telegram/webhook [post]
func (w *Webhook) Handle(c *gin.Context) {
	if w.Secret != "" && !middleware.SecretEqual(c.GetHeader(middleware.HeaderTelegramSecret), w.Secret) {
		middleware.ObserveUpdate("other", middleware.UpdateRejected)
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid webhook secret")
		return
	}

	var upd botapi.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		middleware.ObserveUpdate("other", middleware.UpdateRejected)
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid update body")
		return
	}

	kind := updateKind(upd)
	chatID, found := controlChat(upd)
	if !found {
		w.done(c, kind, middleware.UpdateIgnored)
		return
	}
	id := botapi.AccountID(chatID)
	middleware.SetAccount(c, id.String())
	lg := middleware.LoggerFrom(c)

	if w.Limiter != nil && !w.Limiter.Allow(middleware.ChatKey(chatID)) {
		lg.Warn().Int64("update_id", upd.UpdateID).Msg("control chat throttled")
		w.done(c, kind, middleware.UpdateThrottled)
		return
	}

	if w.DB != nil {
		err := repo.MarkUpdateProcessed(c.Request.Context(), w.DB, upd.UpdateID, w.DedupTTL)
		switch {
		case errors.Is(err, repo.ErrDuplicate):
			lg.Debug().Int64("update_id", upd.UpdateID).Msg("duplicate update")
			w.done(c, kind, middleware.UpdateDuplicate)
			return
		case err != nil:
			lg.Warn().Err(err).Int64("update_id", upd.UpdateID).Msg("update de-duplication unavailable")
		}
	}

	// Dialog turns outlive a dropped webhook connection.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), w.timeout())
	defer cancel()

	var err error
	if upd.CallbackQuery != nil {
		err = w.callback(ctx, id, upd.CallbackQuery)
	} else {
		err = w.message(ctx, id, upd.Message)
	}
	if err != nil {
		lg.Warn().Err(err).Msg("update handling")
	}
	w.done(c, kind, middleware.UpdateHandled)
}

func (w *Webhook) timeout() time.Duration {
	if w.Timeout > 0 {
		return w.Timeout
	}
	return defaultUpdateTimeout
}

func (w *Webhook) done(c *gin.Context, kind, result string) {
	middleware.ObserveUpdate(kind, result)
	ok(c, http.StatusOK, gin.H{"ok": true})
}

func (w *Webhook) message(ctx context.Context, id domain.AccountID, msg *botapi.Message) error {
	if msg.Contact != nil {
		return w.Dialog.Handle(ctx, id, services.PhoneInput{Phone: msg.Contact.PhoneNumber})
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	if cmd, isCmd := command(text); isCmd {
		switch cmd {
		case "/start":
			return w.Dialog.Start(ctx, id)
		case "/cancel":
			return w.Dialog.Handle(ctx, id, services.CancelInput{})
		case "/policy":
			return w.Dialog.Handle(ctx, id, services.PolicyRequest{})
		case "/logout":
			return w.Dialog.Logout(ctx, id)
		}
		return nil
	}

	// While a code is expected, "+..." is a new phone number and anything
	// else is a typed code.
	if w.Dialog.Conversation(id).State == domain.ConvCode && !strings.HasPrefix(text, "+") {
		return w.Dialog.Handle(ctx, id, services.CodeInput{Code: text})
	}
	return w.Dialog.Handle(ctx, id, services.PhoneInput{Phone: text})
}

func (w *Webhook) callback(ctx context.Context, id domain.AccountID, q *botapi.CallbackQuery) error {
	if w.Answerer != nil {
		// Stops the client-side spinner; failures are cosmetic.
		if err := w.Answerer.AnswerCallbackQuery(ctx, q.ID, ""); err != nil {
			log.Debug().Err(err).Str("account_id", id.String()).Msg("answer callback")
		}
	}

	cb := botapi.ParseCallback(q.Data)
	switch cb.Kind {
	case botapi.CallbackDigit:
		return w.Dialog.Handle(ctx, id, services.DigitInput{Digit: cb.Digit})
	case botapi.CallbackDelete:
		return w.Dialog.Handle(ctx, id, services.BackspaceInput{})
	case botapi.CallbackSubmit:
		return w.Dialog.Handle(ctx, id, services.ConfirmInput{})
	case botapi.CallbackPolicy:
		return w.Dialog.Handle(ctx, id, services.PolicyInput{Policy: cb.Policy})
	}
	return nil
}

// command extracts "/cmd" from "/cmd@botname args".
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), true
}

func updateKind(u botapi.Update) string {
	switch {
	case u.CallbackQuery != nil:
		return "callback"
	case u.Message != nil:
		return "message"
	}
	return "other"
}

// controlChat returns the private chat an update belongs to. Group chats,
// messages from bots and update types the dialog does not read are ignored.
func controlChat(u botapi.Update) (int64, bool) {
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if q.Message != nil {
			return q.Message.Chat.ID, q.Message.Chat.Type == "private"
		}
		return q.From.ID, q.From.ID != 0
	case u.Message != nil:
		m := u.Message
		if m.From != nil && m.From.IsBot {
			return 0, false
		}
		return m.Chat.ID, m.Chat.Type == "private"
	}
	return 0, false
}
