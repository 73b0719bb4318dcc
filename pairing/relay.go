package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"github.com/reown-com/appkit-go/caip"
	"github.com/reown-com/appkit-go/shared/logging"
	"github.com/reown-com/appkit-go/shared/resilience"
)

// Approval is the relay's answer to a session proposal.
type Approval struct {
	Accounts []string
	ChainID  string
	Err      error
}

// Proposal is an open session proposal: the URI to render for the wallet
// and the channel the relay answers on. The channel receives exactly one
// Approval and is then closed.
type Proposal struct {
	URI      string
	Topic    string
	Approval <-chan Approval
}

// Relay is the pairing transport to a remote signer.
type Relay interface {
	// Propose opens a pairing for the namespace and returns the URI the
	// wallet must scan or open.
	Propose(ctx context.Context, namespace caip.Namespace) (*Proposal, error)
	// Abandon withdraws an unanswered proposal after its local pairing
	// session has concluded. The approval channel is closed and any late
	// answer for the topic is discarded.
	Abandon(topic string)
	// SessionAlive reports whether the relay still holds a live session
	// for the topic. Used by silent reconnect; a dead relay means false.
	SessionAlive(ctx context.Context, topic string) bool
	// Resume restores a previously approved session. It fails when the
	// relay no longer holds a live session for the topic.
	Resume(ctx context.Context, topic string) (Approval, error)
	// SessionEvents subscribes to post-approval events for the topic:
	// account and chain changes, and remote-initiated disconnects.
	SessionEvents(topic string) (<-chan Event, func())
	// Request forwards an RPC call to the wallet over the session topic
	// and waits for its response.
	Request(ctx context.Context, topic, method string, params interface{}) (json.RawMessage, error)
	// Disconnect tears down the relay session for the topic.
	Disconnect(ctx context.Context, topic string) error
	Close() error
}

// Relay wire frames. The protocol is a thin JSON framing over one
// websocket: proposals go out, approval/rejection/delete events come back
// keyed by topic.
type relayFrame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	URI       string          `json:"uri,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Accounts  []string        `json:"accounts,omitempty"`
	ChainID   string          `json:"chainId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Alive     bool            `json:"alive,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

const (
	framePropose       = "session_propose"
	frameProposal      = "session_proposal"
	frameApprove       = "session_approve"
	frameReject        = "session_reject"
	frameDelete        = "session_delete"
	frameUpdate        = "session_update"
	frameRequest       = "session_request"
	frameResponse      = "session_response"
	framePing          = "session_ping"
	frameStatus        = "session_status"
	frameDisconnect    = "session_disconnect"
	livenessTTL        = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
	statusReplyTimeout = 5 * time.Second
)

// Client is a websocket Relay implementation. One connection serves every
// namespace; frames are dispatched to per-topic channels by the read loop.
type Client struct {
	url       string
	projectID string
	log       *logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan Approval       // topic -> proposal approval
	statusCh  map[string]chan *relayFrame    // topic -> liveness reply
	proposed  map[string]chan *relayFrame    // request id -> proposal frame
	topicSubs map[string]map[int]chan Event  // topic -> session event subscribers
	requests  map[string]chan *relayFrame    // request id -> rpc response
	nextSubID int
	liveness  *gocache.Cache
	closed    bool
}

// NewClient creates a relay client. The connection is established lazily
// on the first proposal.
func NewClient(relayURL, projectID string, log *logging.Logger) (*Client, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay URL must be ws or wss, got %q", u.Scheme)
	}
	if projectID == "" {
		return nil, fmt.Errorf("project id is required for relay use")
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		url:       relayURL,
		projectID: projectID,
		log:       log.WithField("component", "relay"),
		pending:   make(map[string]chan Approval),
		statusCh:  make(map[string]chan *relayFrame),
		proposed:  make(map[string]chan *relayFrame),
		topicSubs: make(map[string]map[int]chan Event),
		requests:  make(map[string]chan *relayFrame),
		liveness:  gocache.New(livenessTTL, time.Minute),
	}, nil
}

// ensureConnected dials the relay if needed. Dialing retries with backoff
// because relays routinely drop the first attempt under load.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("relay client is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCfg := &resilience.RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
		RetryableErrors: func(error) bool {
			return true
		},
	}

	return resilience.RetryWithConfig(ctx, dialCfg, func(ctx context.Context) error {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		endpoint := fmt.Sprintf("%s?projectId=%s", c.url, url.QueryEscape(c.projectID))

		conn, _, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return fmt.Errorf("dial relay: %w", err)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		go c.readLoop(conn)
		c.log.Debug("connected to pairing relay")
		return nil
	})
}

// Propose opens a pairing and waits for the relay to answer with a URI.
func (c *Client) Propose(ctx context.Context, namespace caip.Namespace) (*Proposal, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	proposalCh := make(chan *relayFrame, 1)

	c.mu.Lock()
	c.proposed[requestID] = proposalCh
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.proposed, requestID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, &relayFrame{
		Type:      framePropose,
		Topic:     requestID,
		Namespace: namespace,
		ProjectID: c.projectID,
	}); err != nil {
		return nil, fmt.Errorf("send proposal: %w", err)
	}

	select {
	case <-ctx.Done():
		// dispatch may have registered the approval channel already; if
		// the proposal frame sits in the buffer, release its topic.
		c.mu.Lock()
		delete(c.proposed, requestID)
		select {
		case frame := <-proposalCh:
			if frame != nil {
				if ch, ok := c.pending[frame.Topic]; ok {
					delete(c.pending, frame.Topic)
					close(ch)
				}
			}
		default:
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	case frame, ok := <-proposalCh:
		if !ok || frame == nil {
			return nil, fmt.Errorf("relay connection lost during proposal")
		}
		c.mu.Lock()
		approval, registered := c.pending[frame.Topic]
		c.mu.Unlock()
		if !registered {
			return nil, fmt.Errorf("relay connection lost during proposal")
		}
		return &Proposal{URI: frame.URI, Topic: frame.Topic, Approval: approval}, nil
	}
}

// Abandon withdraws a proposal whose local pairing session has already
// concluded: the pending entry is dropped, its approval channel closed,
// and the relay is told to release the handshake.
func (c *Client) Abandon(topic string) {
	c.mu.Lock()
	if ch, ok := c.pending[topic]; ok {
		delete(c.pending, topic)
		close(ch)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := c.writeFrame(conn, &relayFrame{Type: frameDisconnect, Topic: topic}); err != nil {
		c.log.WithError(err).Debug("failed to withdraw abandoned proposal")
	}
}

// SessionAlive answers from the liveness cache when fresh, otherwise asks
// the relay. Any transport failure means not alive: silent reconnect must
// never promote a session it cannot verify.
func (c *Client) SessionAlive(ctx context.Context, topic string) bool {
	if alive, found := c.liveness.Get(topic); found {
		return alive.(bool)
	}
	_, err := c.Resume(ctx, topic)
	return err == nil
}

// Resume asks the relay for the current state of a previously approved
// session and returns its account data when it is still live.
func (c *Client) Resume(ctx context.Context, topic string) (Approval, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return Approval{}, err
	}

	reply := make(chan *relayFrame, 1)
	c.mu.Lock()
	c.statusCh[topic] = reply
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.statusCh, topic)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, &relayFrame{Type: framePing, Topic: topic}); err != nil {
		return Approval{}, fmt.Errorf("query session status: %w", err)
	}

	select {
	case <-ctx.Done():
		return Approval{}, ctx.Err()
	case <-time.After(statusReplyTimeout):
		return Approval{}, fmt.Errorf("relay did not answer status query for topic %s", topic)
	case frame := <-reply:
		if frame == nil {
			return Approval{}, fmt.Errorf("relay connection lost during status query")
		}
		c.liveness.Set(topic, frame.Alive, gocache.DefaultExpiration)
		if !frame.Alive {
			return Approval{}, fmt.Errorf("no live session for topic %s", topic)
		}
		return Approval{Accounts: frame.Accounts, ChainID: frame.ChainID}, nil
	}
}

// SessionEvents subscribes to post-approval events for a topic. The
// returned function unsubscribes and closes the channel.
func (c *Client) SessionEvents(topic string) (<-chan Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Event, 8)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	if c.topicSubs[topic] == nil {
		c.topicSubs[topic] = make(map[int]chan Event)
	}
	id := c.nextSubID
	c.nextSubID++
	c.topicSubs[topic][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.topicSubs[topic][id]; ok {
				delete(c.topicSubs[topic], id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// emitTopicLocked delivers ev to the topic's subscribers without blocking
// the read loop. Callers hold c.mu.
func (c *Client) emitTopicLocked(topic string, ev Event) {
	for _, ch := range c.topicSubs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Request forwards an RPC call to the wallet over the session topic and
// waits for its response.
func (c *Client) Request(ctx context.Context, topic, method string, params interface{}) (json.RawMessage, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var encoded json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode request params: %w", err)
		}
		encoded = data
	}

	requestID := uuid.New().String()
	reply := make(chan *relayFrame, 1)

	c.mu.Lock()
	c.requests[requestID] = reply
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.requests, requestID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, &relayFrame{
		Type:      frameRequest,
		Topic:     topic,
		RequestID: requestID,
		Method:    method,
		Params:    encoded,
	}); err != nil {
		return nil, fmt.Errorf("send session request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-reply:
		if frame == nil {
			return nil, fmt.Errorf("relay connection lost during request")
		}
		if frame.Error != "" {
			return nil, fmt.Errorf("wallet rejected request %s: %s", method, frame.Error)
		}
		return frame.Result, nil
	}
}

// Disconnect tears down the relay session for the topic.
func (c *Client) Disconnect(ctx context.Context, topic string) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.liveness.Set(topic, false, gocache.DefaultExpiration)
	return c.writeFrame(conn, &relayFrame{Type: frameDisconnect, Topic: topic})
}

// Close shuts the transport and fails every pending proposal.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.failAllLocked(fmt.Errorf("relay client closed"))
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) writeFrame(conn *websocket.Conn, frame *relayFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}

	// gorilla/websocket allows one concurrent writer
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop dispatches incoming frames to the channel registered for their
// topic. Events for one topic arrive in transport order; there is no
// ordering across topics.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.failAllLocked(fmt.Errorf("relay connection lost: %w", err))
			}
			c.mu.Unlock()
			return
		}

		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.WithError(err).Warn("discarding malformed relay frame")
			continue
		}
		c.dispatch(&frame)
	}
}

func (c *Client) dispatch(frame *relayFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch frame.Type {
	case frameProposal:
		// The proposal topic is echoed back with the pairing URI and
		// stays the session topic for the rest of its life. The approval
		// channel is registered here, before the proposal is handed to
		// the caller, so an answer racing the delivery cannot be lost.
		if ch, ok := c.proposed[frame.Topic]; ok {
			delete(c.proposed, frame.Topic)
			if _, dup := c.pending[frame.Topic]; !dup {
				c.pending[frame.Topic] = make(chan Approval, 1)
			}
			ch <- frame
		}
	case frameApprove:
		if ch, ok := c.pending[frame.Topic]; ok {
			delete(c.pending, frame.Topic)
			c.liveness.Set(frame.Topic, true, gocache.DefaultExpiration)
			ch <- Approval{Accounts: frame.Accounts, ChainID: frame.ChainID}
			close(ch)
		}
	case frameReject:
		if ch, ok := c.pending[frame.Topic]; ok {
			delete(c.pending, frame.Topic)
			ch <- Approval{Err: fmt.Errorf("%w: %s", ErrRejected, frame.Reason)}
			close(ch)
		}
	case frameDelete:
		c.liveness.Set(frame.Topic, false, gocache.DefaultExpiration)
		if ch, ok := c.pending[frame.Topic]; ok {
			delete(c.pending, frame.Topic)
			ch <- Approval{Err: fmt.Errorf("session deleted by remote: %s", frame.Reason)}
			close(ch)
		}
		c.emitTopicLocked(frame.Topic, Event{Kind: EventDisconnect, Reason: frame.Reason})
	case frameUpdate:
		c.liveness.Set(frame.Topic, true, gocache.DefaultExpiration)
		if len(frame.Accounts) > 0 {
			c.emitTopicLocked(frame.Topic, Event{Kind: EventAccountsChanged, Accounts: frame.Accounts})
		}
		if frame.ChainID != "" {
			c.emitTopicLocked(frame.Topic, Event{Kind: EventChainChanged, ChainID: frame.ChainID})
		}
	case frameStatus:
		// Delivered exactly once; a duplicate status frame must not
		// block the read loop on the full one-slot buffer.
		if ch, ok := c.statusCh[frame.Topic]; ok {
			delete(c.statusCh, frame.Topic)
			ch <- frame
		}
	case frameResponse:
		if ch, ok := c.requests[frame.RequestID]; ok {
			delete(c.requests, frame.RequestID)
			ch <- frame
		}
	default:
		c.log.WithField("type", frame.Type).Debug("ignoring unknown relay frame")
	}
}

// failAllLocked concludes every pending proposal with err. Callers hold c.mu.
func (c *Client) failAllLocked(err error) {
	for topic, ch := range c.pending {
		delete(c.pending, topic)
		ch <- Approval{Err: err}
		close(ch)
	}
	for id, ch := range c.proposed {
		delete(c.proposed, id)
		close(ch)
	}
	for topic, ch := range c.statusCh {
		delete(c.statusCh, topic)
		ch <- nil
	}
	for id, ch := range c.requests {
		delete(c.requests, id)
		ch <- nil
	}
	for topic, subs := range c.topicSubs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(c.topicSubs, topic)
	}
}
