// Package mtproto implements provider.Client on top of github.com/gotd/td.
//
// One Client owns one telegram.Client run loop. Durable credentials live in a
// per-account session file under Config.SessionDir, so a restarted process
// reconnects without repeating phone/code authentication.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
)

// archiveFolderID is the provider's fixed id of the archive folder.
const archiveFolderID = 1

// Config holds the application credentials shared by every account.
type Config struct {
	AppID      int
	AppHash    string
	SessionDir string
	DC         int
	// EventBuffer sizes the subscription channel.
	EventBuffer int
}

// Client is a provider.Client for one account.
type Client struct {
	cfg     Config
	account domain.AccountID
	gaps    *updates.Manager

	mu       sync.Mutex
	tc       *telegram.Client
	cancel   context.CancelFunc
	done     chan struct{}
	selfID   int64
	codeHash string

	feed       *provider.Feed
	feedCancel context.CancelFunc
	feedDone   chan struct{}
}

var (
	_ provider.Client                = (*Client)(nil)
	_ provider.PasswordAuthenticator = (*Client)(nil)
)

// New returns an unconnected client for account.
func New(cfg Config, account domain.AccountID) *Client {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	c := &Client{cfg: cfg, account: account}

	d := tg.NewUpdateDispatcher()
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.dispatch(ctx, e, u.Message)
		return nil
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.dispatch(ctx, e, u.Message)
		return nil
	})
	c.gaps = updates.New(updates.Config{Handler: d})
	return c
}

// NewFactory returns a provider.Factory building Clients from cfg.
func NewFactory(cfg Config) provider.Factory {
	return provider.FactoryFunc(func(id domain.AccountID) (provider.Client, error) {
		if cfg.AppID == 0 || cfg.AppHash == "" {
			return nil, errors.New("mtproto: app id and hash are required")
		}
		return New(cfg, id), nil
	})
}

// SessionPath is where the durable credential for account is stored.
func SessionPath(dir string, account domain.AccountID) string {
	return filepath.Join(dir, "account_"+account.String()+".json")
}

func (c *Client) runningLocked() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Connect starts the run loop and returns once the connection is usable.
// Calling Connect on a running client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.runningLocked() {
		c.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(c.cfg.SessionDir, 0o700); err != nil {
		c.mu.Unlock()
		return err
	}
	tc := telegram.NewClient(c.cfg.AppID, c.cfg.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: SessionPath(c.cfg.SessionDir, c.account)},
		UpdateHandler:  c.gaps,
		DC:             c.cfg.DC,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	var runErr error
	c.tc, c.cancel, c.done = tc, cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		runErr = tc.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}
		c.endFeed(runErr)
		if runErr != nil {
			log.Warn().Err(runErr).Str("account_id", c.account.String()).Msg("provider connection ended")
		}
	}()

	select {
	case <-ready:
		return nil
	case <-done:
		if runErr == nil {
			runErr = errors.New("mtproto: connection closed during connect")
		}
		return wrap(runErr)
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// Connected reports whether the run loop is alive.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

// Disconnect stops the run loop and waits for it to exit.
func (c *Client) Disconnect() error {
	c.stopUpdates()

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Client) client() (*telegram.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.runningLocked() {
		return nil, provider.ErrNotConnected
	}
	return c.tc, nil
}

// IsAuthorized implements provider.Client.
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	tc, err := c.client()
	if err != nil {
		return false, err
	}
	st, err := tc.Auth().Status(ctx)
	if err != nil {
		return false, wrap(err)
	}
	if st.Authorized && st.User != nil {
		c.setSelf(st.User.ID)
	}
	return st.Authorized, nil
}

// Self implements provider.Client.
func (c *Client) Self(ctx context.Context) (provider.Self, error) {
	tc, err := c.client()
	if err != nil {
		return provider.Self{}, err
	}
	u, err := tc.Self(ctx)
	if err != nil {
		return provider.Self{}, wrap(err)
	}
	c.setSelf(u.ID)
	return provider.Self{ID: u.ID, DisplayName: userName(u)}, nil
}

// RequestCode implements provider.Client.
func (c *Client) RequestCode(ctx context.Context, phone string) error {
	tc, err := c.client()
	if err != nil {
		return err
	}
	sent, err := tc.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return wrap(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return fmt.Errorf("mtproto: unexpected sent code %T", sent)
	}
	c.mu.Lock()
	c.codeHash = code.PhoneCodeHash
	c.mu.Unlock()
	return nil
}

// SignIn implements provider.Client. It uses auth.signIn, which leaves the
// account's other authorizations untouched.
func (c *Client) SignIn(ctx context.Context, phone, code string) (provider.SignInResult, error) {
	tc, err := c.client()
	if err != nil {
		return provider.SignInResult{}, err
	}
	c.mu.Lock()
	hash := c.codeHash
	c.mu.Unlock()
	if hash == "" {
		return provider.SignInResult{}, errors.New("mtproto: no code requested")
	}

	a, err := tc.Auth().SignIn(ctx, phone, code, hash)
	var signUp *auth.SignUpRequired
	switch {
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return provider.SignInResult{Outcome: provider.NotAuthorized, PasswordRequired: true}, nil
	case errors.As(err, &signUp), tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return provider.SignInResult{Outcome: provider.NotAuthorized}, nil
	case err != nil:
		return provider.SignInResult{}, wrap(err)
	}
	if u, ok := a.User.AsNotEmpty(); ok {
		c.setSelf(u.ID)
	}
	return provider.SignInResult{Outcome: provider.Authorized}, nil
}

// SignInPassword completes a two-factor sign-in.
func (c *Client) SignInPassword(ctx context.Context, password string) (provider.SignInResult, error) {
	tc, err := c.client()
	if err != nil {
		return provider.SignInResult{}, err
	}
	a, err := tc.Auth().Password(ctx, password)
	if errors.Is(err, auth.ErrPasswordInvalid) {
		return provider.SignInResult{Outcome: provider.NotAuthorized, PasswordRequired: true}, nil
	}
	if err != nil {
		return provider.SignInResult{}, wrap(err)
	}
	if u, ok := a.User.AsNotEmpty(); ok {
		c.setSelf(u.ID)
	}
	return provider.SignInResult{Outcome: provider.Authorized}, nil
}

// Subscribe implements provider.Client. It (re)starts the update manager so
// that exactly one handler chain feeds the returned subscription.
func (c *Client) Subscribe(ctx context.Context) (provider.Subscription, error) {
	tc, err := c.client()
	if err != nil {
		return nil, err
	}
	self, err := c.Self(ctx)
	if err != nil {
		return nil, err
	}
	c.stopUpdates()

	if !c.Connected() {
		return nil, provider.ErrNotConnected
	}
	return c.runUpdates(tc.API(), self.ID), nil
}

// runUpdates starts the gap manager for selfID and binds a fresh feed to it.
// The manager is reset once its run ends, so the next subscription restores
// from the stored state instead of being refused as already authorized.
func (c *Client) runUpdates(api updates.API, selfID int64) *provider.Feed {
	feed := provider.NewFeed(c.cfg.EventBuffer)
	upCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.feed, c.feedCancel, c.feedDone = feed, cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := c.gaps.Run(upCtx, api, selfID, updates.AuthOptions{})
		c.gaps.Reset()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("account_id", c.account.String()).Msg("update manager stopped")
			feed.Fail(err)
		}
	}()
	return feed
}

// stopUpdates closes the current feed and waits for its manager run to end.
func (c *Client) stopUpdates() {
	c.mu.Lock()
	cancel, done, feed := c.feedCancel, c.feedDone, c.feed
	c.feedCancel, c.feedDone, c.feed = nil, nil, nil
	c.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Client) endFeed(err error) {
	c.mu.Lock()
	feed := c.feed
	c.mu.Unlock()
	if feed == nil {
		return
	}
	if err != nil {
		feed.Fail(err)
		return
	}
	feed.Close()
}

func (c *Client) setSelf(id int64) {
	c.mu.Lock()
	c.selfID = id
	c.mu.Unlock()
}

func (c *Client) dispatch(ctx context.Context, e tg.Entities, m tg.MessageClass) {
	c.mu.Lock()
	feed, self := c.feed, c.selfID
	c.mu.Unlock()
	if feed == nil {
		return
	}
	ev, ok := toEvent(e, m, self)
	if !ok {
		return
	}
	feed.Publish(ctx, ev)
}

func (c *Client) api() (*tg.Client, error) {
	tc, err := c.client()
	if err != nil {
		return nil, err
	}
	return tc.API(), nil
}

// LeaveChannel implements provider.Client. Basic groups are left by removing
// the account itself from the chat.
func (c *Client) LeaveChannel(ctx context.Context, peer domain.PeerRef) error {
	api, err := c.api()
	if err != nil {
		return err
	}
	switch peer.Kind {
	case domain.SenderChannel:
		_, err = api.ChannelsLeaveChannel(ctx, &tg.InputChannel{ChannelID: peer.ID, AccessHash: peer.AccessHash})
	case domain.SenderGroup:
		_, err = api.MessagesDeleteChatUser(ctx, &tg.MessagesDeleteChatUserRequest{
			ChatID: peer.ID,
			UserID: &tg.InputUserSelf{},
		})
	default:
		return fmt.Errorf("%w: leave %s", provider.ErrUnsupportedPeer, peer)
	}
	return wrap(err)
}

// Block implements provider.Client.
func (c *Client) Block(ctx context.Context, peer domain.PeerRef) error {
	api, err := c.api()
	if err != nil {
		return err
	}
	ip, err := inputPeer(peer)
	if err != nil {
		return err
	}
	_, err = api.ContactsBlock(ctx, &tg.ContactsBlockRequest{ID: ip})
	return wrap(err)
}

// MuteAndArchive implements provider.Client.
func (c *Client) MuteAndArchive(ctx context.Context, peer domain.PeerRef) error {
	api, err := c.api()
	if err != nil {
		return err
	}
	ip, err := inputPeer(peer)
	if err != nil {
		return err
	}
	if _, err := api.AccountUpdateNotifySettings(ctx, &tg.AccountUpdateNotifySettingsRequest{
		Peer:     &tg.InputNotifyPeer{Peer: ip},
		Settings: muteForever(),
	}); err != nil {
		return wrap(err)
	}
	if _, err := api.FoldersEditPeerFolders(ctx, []tg.InputFolderPeer{{Peer: ip, FolderID: archiveFolderID}}); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrArchiveFailed, wrap(err))
	}
	return nil
}

// Reply implements provider.Client. A zero messageID sends a plain message.
func (c *Client) Reply(ctx context.Context, peer domain.PeerRef, messageID int, text string) error {
	api, err := c.api()
	if err != nil {
		return err
	}
	ip, err := inputPeer(peer)
	if err != nil {
		return err
	}
	b := message.NewSender(api).To(ip)
	if messageID != 0 {
		_, err = b.Reply(messageID).Text(ctx, text)
	} else {
		_, err = b.Text(ctx, text)
	}
	return wrap(err)
}

// RecentMessages implements provider.Client. Results are newest first.
func (c *Client) RecentMessages(ctx context.Context, peer domain.PeerRef, limit int) ([]domain.HistoryMessage, error) {
	api, err := c.api()
	if err != nil {
		return nil, err
	}
	ip, err := inputPeer(peer)
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: ip, Limit: limit})
	if err != nil {
		return nil, wrap(err)
	}
	return historyOf(res), nil
}

func muteForever() tg.InputPeerNotifySettings {
	var s tg.InputPeerNotifySettings
	s.SetShowPreviews(false)
	s.SetSilent(true)
	s.SetMuteUntil(math.MaxInt32)
	return s
}

// wrap converts provider rate limits into provider.FloodWaitError.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &provider.FloodWaitError{Wait: d, Err: err}
	}
	return err
}
