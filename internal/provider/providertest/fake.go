// Package providertest offers an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/tbourn/go-account-warden/internal/domain"
	"github.com/tbourn/go-account-warden/internal/provider"
)

// Call is one recorded action invocation.
type Call struct {
	Kind      domain.ActionKind
	Peer      domain.PeerRef
	MessageID int
	Text      string
}

// Client is a scriptable provider.Client. Zero value is usable; fields
// should be set before the client is shared between goroutines.
type Client struct {
	mu sync.Mutex

	// ConnectErrs is consumed one entry per Connect call; nil entries succeed.
	ConnectErrs []error
	Authorized  bool
	AuthErr     error
	SelfInfo    provider.Self
	SelfErr     error

	RequestCodeErr error
	// SignInFunc decides SignIn; default is Authorized for any code.
	SignInFunc func(phone, code string) (provider.SignInResult, error)

	ActionErrs map[domain.ActionKind]error
	History    []domain.HistoryMessage
	HistoryErr error

	// Gate, when set, blocks Connect until it is closed.
	Gate chan struct{}

	connected       bool
	connectCalls    int
	disconnectCalls int
	requestedPhones []string
	feeds           []*provider.Feed
	calls           []Call
}

var _ provider.Client = (*Client)(nil)

// Connect implements provider.Client.
func (c *Client) Connect(ctx context.Context) error {
	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if len(c.ConnectErrs) > 0 {
		err := c.ConnectErrs[0]
		c.ConnectErrs = c.ConnectErrs[1:]
		if err != nil {
			return err
		}
	}
	c.connected = true
	return nil
}

// Connected implements provider.Client.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect implements provider.Client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCalls++
	c.connected = false
	for _, f := range c.feeds {
		f.Close()
	}
	return nil
}

// IsAuthorized implements provider.Client.
func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return false, provider.ErrNotConnected
	}
	return c.Authorized, c.AuthErr
}

// SetAuthErr changes the error IsAuthorized reports.
func (c *Client) SetAuthErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AuthErr = err
}

// Self implements provider.Client.
func (c *Client) Self(ctx context.Context) (provider.Self, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SelfInfo, c.SelfErr
}

// RequestCode implements provider.Client.
func (c *Client) RequestCode(ctx context.Context, phone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestedPhones = append(c.requestedPhones, phone)
	return c.RequestCodeErr
}

// SignIn implements provider.Client.
func (c *Client) SignIn(ctx context.Context, phone, code string) (provider.SignInResult, error) {
	c.mu.Lock()
	fn := c.SignInFunc
	c.mu.Unlock()

	res := provider.SignInResult{Outcome: provider.Authorized}
	var err error
	if fn != nil {
		res, err = fn(phone, code)
	}
	if err == nil && res.Outcome == provider.Authorized {
		c.mu.Lock()
		c.Authorized = true
		c.mu.Unlock()
	}
	return res, err
}

// Subscribe implements provider.Client.
func (c *Client) Subscribe(ctx context.Context) (provider.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, provider.ErrNotConnected
	}
	for _, f := range c.feeds {
		f.Close()
	}
	f := provider.NewFeed(0)
	c.feeds = append(c.feeds, f)
	return f, nil
}

func (c *Client) act(kind domain.ActionKind, call Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	call.Kind = kind
	c.calls = append(c.calls, call)
	return c.ActionErrs[kind]
}

// LeaveChannel implements provider.Client.
func (c *Client) LeaveChannel(ctx context.Context, peer domain.PeerRef) error {
	return c.act(domain.ActionLeaveChannel, Call{Peer: peer})
}

// Block implements provider.Client.
func (c *Client) Block(ctx context.Context, peer domain.PeerRef) error {
	return c.act(domain.ActionBlock, Call{Peer: peer})
}

// MuteAndArchive implements provider.Client.
func (c *Client) MuteAndArchive(ctx context.Context, peer domain.PeerRef) error {
	return c.act(domain.ActionMuteAndArchive, Call{Peer: peer})
}

// Reply implements provider.Client.
func (c *Client) Reply(ctx context.Context, peer domain.PeerRef, messageID int, text string) error {
	return c.act(domain.ActionReply, Call{Peer: peer, MessageID: messageID, Text: text})
}

// RecentMessages implements provider.Client.
func (c *Client) RecentMessages(ctx context.Context, peer domain.PeerRef, limit int) ([]domain.HistoryMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HistoryErr != nil {
		return nil, c.HistoryErr
	}
	h := c.History
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	return append([]domain.HistoryMessage(nil), h...), nil
}

// Emit publishes ev on the current subscription. It reports false when
// there is none or it has ended.
func (c *Client) Emit(ctx context.Context, ev domain.IncomingEvent) bool {
	c.mu.Lock()
	var cur *provider.Feed
	if n := len(c.feeds); n > 0 {
		cur = c.feeds[n-1]
	}
	c.mu.Unlock()
	if cur == nil {
		return false
	}
	return cur.Publish(ctx, ev)
}

// Drop simulates connection loss: the client disconnects and the current
// subscription ends with err.
func (c *Client) Drop(err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	for _, f := range c.feeds {
		f.Fail(err)
	}
}

// ActiveSubscriptions counts subscriptions that have not ended.
func (c *Client) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.feeds {
		if !f.Closed() {
			n++
		}
	}
	return n
}

// Calls returns a copy of the recorded action calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// ConnectCalls returns how many times Connect ran.
func (c *Client) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

// DisconnectCalls returns how many times Disconnect ran.
func (c *Client) DisconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectCalls
}

// RequestedPhones returns the phones passed to RequestCode.
func (c *Client) RequestedPhones() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.requestedPhones...)
}
