// Operator API handlers.
//
// Endpoints, mounted under the API base path behind the admin token:
//   - GET    /sessions                (live sessions)
//   - DELETE /sessions/{id}           (stop automation, keep the record)
//   - GET    /accounts/{id}           (durable record)
//   - GET    /accounts/{id}/actions   (action journal, paginated, ETag)
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-account-warden/internal/botapi"
	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/http/middleware"
	"github.com/tbourn/go-account-warden/internal/repo"
	"github.com/tbourn/go-account-warden/internal/services"
	"github.com/tbourn/go-account-warden/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SessionDirectory lists and looks up live sessions.
type SessionDirectory interface {
	List() []services.SessionInfo
	Get(id domain.AccountID) (*services.AccountSession, bool)
}

// RecordReader reads durable account records.
type RecordReader interface {
	Get(ctx context.Context, id domain.AccountID) (domain.SessionRecord, error)
}

// LogoutFunc stops automation for one account.
type LogoutFunc func(ctx context.Context, id domain.AccountID) error

// Operator serves the operator API.
type Operator struct {
	Sessions SessionDirectory
	Records  RecordReader
	Logout   LogoutFunc
	// DB backs the action journal.
	DB *gorm.DB
}

// ListSessionsResponse wraps the live sessions.
type ListSessionsResponse struct {
	Sessions []services.SessionInfo `json:"sessions"`
}

// AccountResponse is the durable record of one account.
type AccountResponse struct {
	AccountID   string        `json:"account_id" example:"123456789"`
	HasSession  bool          `json:"has_session"`
	Policy      domain.Policy `json:"policy" example:"A"`
	PolicyLabel string        `json:"policy_label" example:"Policy A"`
	Live        bool          `json:"live"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListActionsResponse wraps a page of journal entries.
type ListActionsResponse struct {
	Actions    []domain.ActionLog `json:"actions"`
	Pagination Pagination         `json:"pagination"`
}

// accountParam validates the :id path parameter. Accounts are control chat
// ids, so anything non-numeric is rejected.
func accountParam(c *gin.Context) (domain.AccountID, bool) {
	id := domain.AccountID(c.Param("id"))
	if _, err := botapi.ChatID(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "account id must be a chat id")
		return "", false
	}
	middleware.SetAccount(c, id.String())
	return id, true
}

// ListSessions godoc
// @ID          listSessions
// @Summary     List live sessions
// @Description Returns every session held by the registry with its state, instance id and retry count.
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.ListSessionsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Router      /api/v1/sessions [get]
func (o *Operator) ListSessions(c *gin.Context) {
	ok(c, http.StatusOK, ListSessionsResponse{Sessions: o.Sessions.List()})
}

// DeleteSession godoc
// @ID          deleteSession
// @Summary     Stop automation for an account
// @Description Halts event handling and releases the connection. The durable record, including has_session, is kept so /start resumes without a new sign-in.
// @Tags        Sessions
// @Security    BearerAuth
// @Param       id   path  string  true  "Account (control chat) id"  example(123456789)
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad account id"
// @Failure     404  {object}  handlers.ErrorResponse  "No live session"
// @Router      /api/v1/sessions/{id} [delete]
func (o *Operator) DeleteSession(c *gin.Context) {
	id, valid := accountParam(c)
	if !valid {
		return
	}
	if _, live := o.Sessions.Get(id); !live {
		failErr(c, services.ErrSessionNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 30*time.Second)
	defer cancel()
	if err := o.Logout(ctx, id); err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			failErr(c, err)
			return
		}
		// The session is gone; only the control-chat notice failed.
		middleware.LoggerFrom(c).Warn().Err(err).Msg("logout notice")
	}
	noContent(c)
}

// GetAccount godoc
// @ID          getAccount
// @Summary     Read an account record
// @Description Returns has_session and the active policy. Unknown accounts report the default record.
// @Tags        Accounts
// @Produce     json
// @Security    BearerAuth
// @Param       id   path  string  true  "Account (control chat) id"  example(123456789)
// @Success     200  {object}  handlers.AccountResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad account id"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /api/v1/accounts/{id} [get]
func (o *Operator) GetAccount(c *gin.Context) {
	id, valid := accountParam(c)
	if !valid {
		return
	}
	rec, err := o.Records.Get(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	_, live := o.Sessions.Get(id)
	ok(c, http.StatusOK, AccountResponse{
		AccountID:   id.String(),
		HasSession:  rec.HasSession,
		Policy:      rec.Policy,
		PolicyLabel: rec.Policy.Label(),
		Live:        live,
	})
}

// ListActions godoc
// @ID          listActions
// @Summary     List journaled actions (paginated)
// @Description Returns the account's action outcomes, newest first. Supports a weak ETag via If-None-Match and may return 304.
// @Tags        Accounts
// @Produce     json
// @Security    BearerAuth
//
// @Param       id             path    string  true   "Account (control chat) id"   example(123456789)
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListActionsResponse
// @Header      200  {string}  ETag           "Weak ETag for current result"
// @Header      200  {string}  Last-Modified  "Newest entry time"
// @Success     304  {string}  string  "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad account id"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /api/v1/accounts/{id}/actions [get]
func (o *Operator) ListActions(c *gin.Context) {
	id, valid := accountParam(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()
	page := utils.ParsePage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)

	total, latest, err := repo.ActionLogsStats(ctx, o.DB, id.String())
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeJournalFailed, "could not read action journal")
		return
	}
	var ts int64
	if latest != nil {
		ts = latest.UnixNano()
		c.Header("Last-Modified", latest.UTC().Format(http.TimeFormat))
	}
	etag := fmt.Sprintf(`W/"actions:%s:%d:%d:%d:%d"`, id, total, ts, page.Number, page.Size)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "private, no-cache")
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	items, err := repo.ListActionLogsPage(ctx, o.DB, id.String(), page.Offset(), page.Size)
	if err != nil {
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeJournalFailed, "could not read action journal")
		return
	}
	if items == nil {
		items = []domain.ActionLog{}
	}

	totalPages := page.TotalPages(total)
	ok(c, http.StatusOK, ListActionsResponse{
		Actions: items,
		Pagination: Pagination{
			Page:       page.Number,
			PageSize:   page.Size,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page.Number < totalPages,
		},
	})
}
