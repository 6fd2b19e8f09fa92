package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/repo"
	"github.com/tbourn/go-account-warden/internal/services"
)

type fakeDirectory struct {
	infos []services.SessionInfo
	live  map[domain.AccountID]bool
}

func (f *fakeDirectory) List() []services.SessionInfo { return f.infos }

func (f *fakeDirectory) Get(id domain.AccountID) (*services.AccountSession, bool) {
	return nil, f.live[id]
}

type fakeRecords struct {
	recs map[domain.AccountID]domain.SessionRecord
	err  error
}

func (f *fakeRecords) Get(_ context.Context, id domain.AccountID) (domain.SessionRecord, error) {
	if f.err != nil {
		return domain.SessionRecord{}, f.err
	}
	if r, ok := f.recs[id]; ok {
		return r, nil
	}
	return domain.DefaultRecord(), nil
}

func newOperatorRouter(o *Operator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/sessions", o.ListSessions)
	r.DELETE("/sessions/:id", o.DeleteSession)
	r.GET("/accounts/:id", o.GetAccount)
	r.GET("/accounts/:id/actions", o.ListActions)
	return r
}

func do(r http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOperator_ListSessions(t *testing.T) {
	dir := &fakeDirectory{infos: []services.SessionInfo{
		{AccountID: "1", InstanceID: "i-1", State: domain.StateAuthenticated, RetryCount: 0, Connected: true, Subscribed: true},
		{AccountID: "2", InstanceID: "i-2", State: domain.StateConnecting, RetryCount: 2},
	}}
	r := newOperatorRouter(&Operator{Sessions: dir})

	w := do(r, http.MethodGet, "/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListSessionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Sessions) != 2 || resp.Sessions[1].RetryCount != 2 || resp.Sessions[0].InstanceID != "i-1" {
		t.Fatalf("sessions = %+v", resp.Sessions)
	}
}

func TestOperator_DeleteSession(t *testing.T) {
	var loggedOut []domain.AccountID
	logout := func(_ context.Context, id domain.AccountID) error {
		loggedOut = append(loggedOut, id)
		if id == "3" {
			return errors.New("control chat unreachable")
		}
		return nil
	}
	dir := &fakeDirectory{live: map[domain.AccountID]bool{"1": true, "3": true}}
	r := newOperatorRouter(&Operator{Sessions: dir, Logout: logout})

	if w := do(r, http.MethodDelete, "/sessions/abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/sessions/2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown: status = %d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/sessions/1", nil); w.Code != http.StatusNoContent {
		t.Fatalf("live: status = %d", w.Code)
	}
	// Notice failures do not undo the logout.
	if w := do(r, http.MethodDelete, "/sessions/3", nil); w.Code != http.StatusNoContent {
		t.Fatalf("notice failure: status = %d", w.Code)
	}
	if len(loggedOut) != 2 || loggedOut[0] != "1" || loggedOut[1] != "3" {
		t.Fatalf("logout calls = %v", loggedOut)
	}
}

func TestOperator_DeleteSessionRace(t *testing.T) {
	dir := &fakeDirectory{live: map[domain.AccountID]bool{"1": true}}
	logout := func(context.Context, domain.AccountID) error {
		return services.ErrSessionNotFound
	}
	r := newOperatorRouter(&Operator{Sessions: dir, Logout: logout})
	if w := do(r, http.MethodDelete, "/sessions/1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestOperator_GetAccount(t *testing.T) {
	recs := &fakeRecords{recs: map[domain.AccountID]domain.SessionRecord{
		"10": {HasSession: true, Policy: domain.PolicyB},
	}}
	dir := &fakeDirectory{live: map[domain.AccountID]bool{"10": true}}
	r := newOperatorRouter(&Operator{Sessions: dir, Records: recs})

	w := do(r, http.MethodGet, "/accounts/10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got AccountResponse
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	want := AccountResponse{AccountID: "10", HasSession: true, Policy: domain.PolicyB, PolicyLabel: "Policy B", Live: true}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	w = do(r, http.MethodGet, "/accounts/11", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if w.Code != http.StatusOK || got.HasSession || got.Policy != domain.PolicyA || got.Live {
		t.Fatalf("default record: %d %+v", w.Code, got)
	}

	recs.err = errors.New("disk gone")
	if w := do(r, http.MethodGet, "/accounts/10", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("store error: status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/accounts/x1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", w.Code)
	}
}

func seedActions(t *testing.T, db *gorm.DB, id string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		res := domain.ActionResult{
			Action:  domain.Action{Kind: domain.ActionReply, Text: "received"},
			Outcome: domain.OutcomeApplied,
		}
		if _, err := repo.CreateActionLog(ctx, db, id, domain.PeerRef{Kind: domain.SenderUser, ID: int64(i)}, res); err != nil {
			t.Fatalf("seed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestOperator_ListActions_PagingAndETag(t *testing.T) {
	db := newTestDB(t)
	seedActions(t, db, "20", 5)
	seedActions(t, db, "21", 1)
	r := newOperatorRouter(&Operator{DB: db})

	w := do(r, http.MethodGet, "/accounts/20/actions?page=2&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp ListActionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	p := resp.Pagination
	if len(resp.Actions) != 2 || p.Total != 5 || p.TotalPages != 3 || !p.HasNext || p.Page != 2 {
		t.Fatalf("page = %+v (%d items)", p, len(resp.Actions))
	}
	for _, a := range resp.Actions {
		if a.AccountID != "20" {
			t.Fatalf("foreign entry leaked: %+v", a)
		}
	}
	if w.Header().Get("Last-Modified") == "" || w.Header().Get("Cache-Control") != "private, no-cache" {
		t.Fatalf("headers = %v", w.Header())
	}

	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	w = do(r, http.MethodGet, "/accounts/20/actions?page=2&page_size=2", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional GET = %d", w.Code)
	}

	// A new entry changes the validator.
	seedActions(t, db, "20", 1)
	w = do(r, http.MethodGet, "/accounts/20/actions?page=2&page_size=2", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK || w.Header().Get("ETag") == etag {
		t.Fatalf("stale ETag honoured: %d", w.Code)
	}
}

func TestOperator_ListActions_EmptyJournal(t *testing.T) {
	r := newOperatorRouter(&Operator{DB: newTestDB(t)})
	w := do(r, http.MethodGet, "/accounts/30/actions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListActionsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Actions == nil || len(resp.Actions) != 0 || resp.Pagination.TotalPages != 0 || resp.Pagination.HasNext {
		t.Fatalf("resp = %+v", resp)
	}
	if w.Header().Get("Last-Modified") != "" {
		t.Fatal("Last-Modified on empty journal")
	}
}

func TestOperator_ListActions_DBError(t *testing.T) {
	db := newTestDB(t)
	sqlDB, _ := db.DB()
	_ = sqlDB.Close()

	r := newOperatorRouter(&Operator{DB: db})
	w := do(r, http.MethodGet, "/accounts/40/actions", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != ErrCodeJournalFailed {
		t.Fatalf("code = %q", resp.Code)
	}
}
