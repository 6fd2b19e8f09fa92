package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-account-warden/internal/botapi"
	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/http/middleware"
	"github.com/tbourn/go-account-warden/internal/repo"
	"github.com/tbourn/go-account-warden/internal/services"
)

// ---------- fakes ----------

type fakeDialog struct {
	mu     sync.Mutex
	state  domain.ConversationState
	calls  []any
	ids    []domain.AccountID
	err    error
	hadDDL bool
}

func (d *fakeDialog) record(ctx context.Context, id domain.AccountID, v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, v)
	d.ids = append(d.ids, id)
	_, d.hadDDL = ctx.Deadline()
	return d.err
}

func (d *fakeDialog) Start(ctx context.Context, id domain.AccountID) error {
	return d.record(ctx, id, "start")
}

func (d *fakeDialog) Handle(ctx context.Context, id domain.AccountID, in services.Input) error {
	return d.record(ctx, id, in)
}

func (d *fakeDialog) Logout(ctx context.Context, id domain.AccountID) error {
	return d.record(ctx, id, "logout")
}

func (d *fakeDialog) Conversation(domain.AccountID) services.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return services.Conversation{State: d.state}
}

func (d *fakeDialog) got() []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]any(nil), d.calls...)
}

type fakeAnswerer struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (a *fakeAnswerer) AnswerCallbackQuery(_ context.Context, id, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return a.err
}

type denyLimiter struct{ keys []string }

func (l *denyLimiter) Allow(key string) bool {
	l.keys = append(l.keys, key)
	return false
}

// ---------- helpers ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

const testChat = int64(4242)

func privateMsg(updateID int64, text string) botapi.Update {
	return botapi.Update{
		UpdateID: updateID,
		Message: &botapi.Message{
			MessageID: int(updateID),
			From:      &botapi.User{ID: testChat, FirstName: "Op"},
			Chat:      botapi.Chat{ID: testChat, Type: "private"},
			Text:      text,
		},
	}
}

func pressed(updateID int64, data string) botapi.Update {
	return botapi.Update{
		UpdateID: updateID,
		CallbackQuery: &botapi.CallbackQuery{
			ID:      fmt.Sprintf("cb-%d", updateID),
			From:    botapi.User{ID: testChat},
			Message: &botapi.Message{MessageID: 7, Chat: botapi.Chat{ID: testChat, Type: "private"}},
			Data:    data,
		},
	}
}

func postUpdate(t *testing.T, h *Webhook, upd any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/hook", h.Handle)

	var body []byte
	switch v := upd.(type) {
	case string:
		body = []byte(v)
	default:
		var err error
		if body, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(middleware.HeaderTelegramSecret, secret)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------- tests ----------

func TestWebhook_SecretCheck(t *testing.T) {
	d := &fakeDialog{}
	h := &Webhook{Dialog: d, Secret: "s3cret"}

	for _, bad := range []string{"", "wrong", "s3cret-but-longer"} {
		w := postUpdate(t, h, privateMsg(1, "/start"), bad)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("secret %q: status = %d", bad, w.Code)
		}
	}
	if len(d.got()) != 0 {
		t.Fatal("rejected updates reached the dialog")
	}

	w := postUpdate(t, h, privateMsg(1, "/start"), "s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("good secret: status = %d", w.Code)
	}
	if got := d.got(); len(got) != 1 || got[0] != "start" {
		t.Fatalf("calls = %v", got)
	}
}

func TestWebhook_MalformedBody(t *testing.T) {
	w := postUpdate(t, &Webhook{Dialog: &fakeDialog{}}, "{not json", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != ErrCodeBadRequest {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestWebhook_Commands(t *testing.T) {
	cases := []struct {
		text string
		want any
	}{
		{"/start", "start"},
		{"/START", "start"},
		{"/start@WardenBot now", "start"},
		{"/cancel", services.CancelInput{}},
		{"/policy", services.PolicyRequest{}},
		{"/logout", "logout"},
	}
	for i, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			d := &fakeDialog{}
			w := postUpdate(t, &Webhook{Dialog: d}, privateMsg(int64(i+1), tc.text), "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			got := d.got()
			if len(got) != 1 || !reflect.DeepEqual(got[0], tc.want) {
				t.Fatalf("calls = %#v, want %#v", got, tc.want)
			}
			if d.ids[0] != domain.AccountID("4242") {
				t.Fatalf("account = %q", d.ids[0])
			}
		})
	}

	d := &fakeDialog{}
	postUpdate(t, &Webhook{Dialog: d}, privateMsg(99, "/unknown"), "")
	if len(d.got()) != 0 {
		t.Fatalf("unknown command dispatched: %v", d.got())
	}
}

func TestWebhook_TextRoutingByConversationState(t *testing.T) {
	cases := []struct {
		name  string
		state domain.ConversationState
		text  string
		want  services.Input
	}{
		{"phone", domain.ConvPhone, " +7 999 123-45-67 ", services.PhoneInput{Phone: "+7 999 123-45-67"}},
		{"start hint", domain.ConvStart, "hello", services.PhoneInput{Phone: "hello"}},
		{"typed code", domain.ConvCode, "12345", services.CodeInput{Code: "12345"}},
		{"new phone during code", domain.ConvCode, "+79990000000", services.PhoneInput{Phone: "+79990000000"}},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDialog{state: tc.state}
			postUpdate(t, &Webhook{Dialog: d}, privateMsg(int64(100+i), tc.text), "")
			got := d.got()
			if len(got) != 1 || !reflect.DeepEqual(got[0], tc.want) {
				t.Fatalf("calls = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestWebhook_SharedContact(t *testing.T) {
	d := &fakeDialog{state: domain.ConvPhone}
	upd := privateMsg(5, "")
	upd.Message.Contact = &botapi.Contact{PhoneNumber: "79991234567", UserID: testChat}

	postUpdate(t, &Webhook{Dialog: d}, upd, "")
	got := d.got()
	if len(got) != 1 || got[0] != (services.PhoneInput{Phone: "79991234567"}) {
		t.Fatalf("calls = %#v", got)
	}
}

func TestWebhook_EmptyTextIgnored(t *testing.T) {
	d := &fakeDialog{}
	postUpdate(t, &Webhook{Dialog: d}, privateMsg(6, "   "), "")
	if len(d.got()) != 0 {
		t.Fatalf("calls = %v", d.got())
	}
}

func TestWebhook_Callbacks(t *testing.T) {
	cases := []struct {
		data string
		want services.Input
	}{
		{"num_5", services.DigitInput{Digit: '5'}},
		{botapi.CallbackBackspace, services.BackspaceInput{}},
		{botapi.CallbackConfirm, services.ConfirmInput{}},
		{"policy:B", services.PolicyInput{Policy: domain.PolicyB}},
		{"2", services.PolicyInput{Policy: domain.PolicyB}},
	}
	for i, tc := range cases {
		t.Run(tc.data, func(t *testing.T) {
			d := &fakeDialog{}
			a := &fakeAnswerer{}
			upd := pressed(int64(200+i), tc.data)
			w := postUpdate(t, &Webhook{Dialog: d, Answerer: a}, upd, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			got := d.got()
			if len(got) != 1 || !reflect.DeepEqual(got[0], tc.want) {
				t.Fatalf("calls = %#v, want %#v", got, tc.want)
			}
			if len(a.ids) != 1 || a.ids[0] != upd.CallbackQuery.ID {
				t.Fatalf("answered = %v", a.ids)
			}
		})
	}
}

func TestWebhook_UnknownCallbackStillAnswered(t *testing.T) {
	d := &fakeDialog{}
	a := &fakeAnswerer{err: errors.New("query too old")}
	w := postUpdate(t, &Webhook{Dialog: d, Answerer: a}, pressed(300, "garbage"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(d.got()) != 0 || len(a.ids) != 1 {
		t.Fatalf("dialog=%v answered=%v", d.got(), a.ids)
	}
}

func TestWebhook_IgnoresGroupsAndBots(t *testing.T) {
	d := &fakeDialog{}
	h := &Webhook{Dialog: d}

	group := privateMsg(400, "/start")
	group.Message.Chat = botapi.Chat{ID: -100500, Type: "supergroup"}
	bot := privateMsg(401, "/start")
	bot.Message.From.IsBot = true
	empty := botapi.Update{UpdateID: 402}

	before := webhookCount(t, "message", middleware.UpdateIgnored)
	for _, u := range []botapi.Update{group, bot, empty} {
		if w := postUpdate(t, h, u, ""); w.Code != http.StatusOK {
			t.Fatalf("update %d: status = %d", u.UpdateID, w.Code)
		}
	}
	if len(d.got()) != 0 {
		t.Fatalf("ignored updates dispatched: %v", d.got())
	}
	if got := webhookCount(t, "message", middleware.UpdateIgnored); got != before+2 {
		t.Fatalf("ignored counter = %v, want %v", got, before+2)
	}
}

func TestWebhook_DuplicateUpdateIsAcknowledged(t *testing.T) {
	d := &fakeDialog{}
	h := &Webhook{Dialog: d, DB: newTestDB(t), DedupTTL: time.Hour}

	for i := 0; i < 3; i++ {
		if w := postUpdate(t, h, privateMsg(777, "/start"), ""); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, w.Code)
		}
	}
	if got := d.got(); len(got) != 1 {
		t.Fatalf("dialog ran %d times, want 1", len(got))
	}

	postUpdate(t, h, privateMsg(778, "/cancel"), "")
	if got := d.got(); len(got) != 2 {
		t.Fatalf("new update id not handled: %v", got)
	}
}

func TestWebhook_ThrottledPerChat(t *testing.T) {
	d := &fakeDialog{}
	l := &denyLimiter{}
	w := postUpdate(t, &Webhook{Dialog: d, Limiter: l}, privateMsg(800, "/start"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("throttled update must still be acknowledged, got %d", w.Code)
	}
	if len(d.got()) != 0 {
		t.Fatal("throttled update reached the dialog")
	}
	if len(l.keys) != 1 || l.keys[0] != "chat:4242" {
		t.Fatalf("limiter keys = %v", l.keys)
	}
}

func TestWebhook_DialogErrorStillOK(t *testing.T) {
	d := &fakeDialog{err: errors.New("presenter down")}
	w := postUpdate(t, &Webhook{Dialog: d, Timeout: time.Second}, privateMsg(900, "/start"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !d.hadDDL {
		t.Fatal("dialog context has no deadline")
	}
}

func TestCommand(t *testing.T) {
	cases := map[string]string{
		"/start":            "/start",
		"/Policy@Bot extra": "/policy",
		"/@weird":           "/@weird",
	}
	for in, want := range cases {
		got, isCmd := command(in)
		if !isCmd || got != want {
			t.Errorf("command(%q) = %q, %v", in, got, isCmd)
		}
	}
	if _, isCmd := command("12345"); isCmd {
		t.Error("plain text treated as command")
	}
}

// webhookCount reads warden_webhook_updates_total{kind,result} from the
// default registry.
func webhookCount(t *testing.T, kind, result string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "warden_webhook_updates_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["kind"] == kind && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
