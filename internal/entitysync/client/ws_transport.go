package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WSConfig configures a WSTransport.
type WSConfig struct {
	// URL of the realtime endpoint, e.g. ws://localhost:3030/ws/v1/listen.
	URL   string
	Token string

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	// ReadTimeout must be longer than the server heartbeat interval.
	ReadTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c WSConfig) withDefaults() WSConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 10 * time.Second
	}
	return c
}

type wsSubscription struct {
	id     string
	opts   SubscribeOptions
	stream *orderedStream

	mu     sync.Mutex
	cursor string
	ready  chan error
}

func (s *wsSubscription) setCursor(cursor string) {
	if cursor == "" {
		return
	}
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
}

func (s *wsSubscription) resumeCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// signal completes a pending Subscribe call, if any.
func (s *wsSubscription) signal(err error) {
	s.mu.Lock()
	ready := s.ready
	s.ready = nil
	s.mu.Unlock()
	if ready != nil {
		ready <- err
	}
}

// WSTransport talks to a scout-sync server over its realtime WebSocket. When
// the connection drops it reconnects with backoff and resumes every open
// subscription from the last cursor it saw.
type WSTransport struct {
	cfg    WSConfig
	log    logger.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan model.ServerMessage
	subs    map[string]*wsSubscription
	closed  bool

	done   chan struct{}
	reqSeq atomic.Uint64
	wg     sync.WaitGroup
}

var _ Transport = (*WSTransport)(nil)

// DialWS connects to the server. The first connection must succeed; later
// ones are retried in the background.
func DialWS(ctx context.Context, cfg WSConfig, log logger.Logger) (*WSTransport, error) {
	cfg = cfg.withDefaults()
	t := &WSTransport{
		cfg: cfg,
		log: logger.OrNop(log).WithComponent("ws_transport"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		pending: make(map[string]chan model.ServerMessage),
		subs:    make(map[string]*wsSubscription),
		done:    make(chan struct{}),
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.setConn(conn)

	t.wg.Add(1)
	go t.run(conn)
	return t, nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.NewPersistenceError(fmt.Sprintf("realtime handshake failed with status %d", resp.StatusCode)).WithCause(err)
		}
		return nil, errors.NewPersistenceError("realtime connection failed").WithCause(err)
	}
	return conn, nil
}

func (t *WSTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}

// run reads from conn until it fails, then reconnects and resubscribes.
func (t *WSTransport) run(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		err := t.readLoop(conn)
		if t.isClosed() {
			return
		}
		t.log.Warn("Realtime connection lost", zap.Error(err))
		t.connectionLost()

		conn = t.reconnect()
		if conn == nil {
			return
		}
		t.setConn(conn)
		t.resubscribeAll()
	}
}

func (t *WSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// connectionLost fails requests in flight. Subscriptions stay registered.
func (t *WSTransport) connectionLost() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan model.ServerMessage)
	t.conn = nil
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (t *WSTransport) reconnect() *websocket.Conn {
	delay := t.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		select {
		case <-t.done:
			return nil
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err == nil {
			t.log.Info("Realtime connection restored", zap.Int("attempt", attempt))
			return conn
		}
		t.log.Debug("Reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		delay = min(delay*2, t.cfg.ReconnectMax)
	}
}

func (t *WSTransport) resubscribeAll() {
	t.mu.Lock()
	subs := make([]*wsSubscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		msg := t.subscribeMessage(s)
		msg.ResumeCursor = s.resumeCursor()
		if err := t.write(msg); err != nil {
			t.log.Warn("Resubscribe failed", zap.String("subscriptionId", s.id), zap.Error(err))
			return
		}
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		var msg model.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			_ = conn.Close()
			return err
		}
		t.dispatch(msg)
	}
}

func (t *WSTransport) dispatch(msg model.ServerMessage) {
	t.mu.Lock()
	var reply chan model.ServerMessage
	if msg.RequestID != "" {
		reply = t.pending[msg.RequestID]
		delete(t.pending, msg.RequestID)
	}
	sub := t.subs[msg.SubscriptionID]
	t.mu.Unlock()

	if sub != nil {
		t.routeToSubscription(sub, msg)
	}
	if reply != nil {
		reply <- msg
	}
}

func (t *WSTransport) routeToSubscription(sub *wsSubscription, msg model.ServerMessage) {
	switch msg.Type {
	case model.MessageTypeSubscribed:
		if msg.Resumed {
			sub.setCursor(msg.Cursor)
			sub.stream.push(StreamEvent{Kind: StreamResumed, Cursor: msg.Cursor})
			sub.signal(nil)
			return
		}
		sub.stream.push(StreamEvent{Kind: StreamSnapshotStart, Resnapshot: msg.Resnapshot})
	case model.MessageTypeSnapshotRecord:
		if msg.Record != nil {
			sub.stream.push(StreamEvent{Kind: StreamSnapshotRecord, Record: msg.Record})
		}
	case model.MessageTypeSnapshotEnd:
		sub.setCursor(msg.Cursor)
		sub.stream.push(StreamEvent{Kind: StreamSnapshotEnd, Cursor: msg.Cursor})
		sub.signal(nil)
	case model.MessageTypeChange:
		if msg.Event != nil {
			sub.setCursor(msg.Cursor)
			sub.stream.push(StreamEvent{Kind: StreamChange, Event: *msg.Event, Record: msg.Record, Cursor: msg.Cursor})
		}
	case model.MessageTypeError:
		sub.signal(remoteError(msg.Error))
	}
}

func remoteError(body *model.ErrorBody) error {
	if body == nil {
		return errors.NewInternalError("server reported an error without details")
	}
	return errors.Restore(errors.ErrorType(body.Type), body.Code, body.Message, body.Details)
}

func (t *WSTransport) write(msg model.ClientMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.NewPersistenceError("realtime connection unavailable")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return errors.NewPersistenceError("write to realtime connection").WithCause(err)
	}
	return nil
}

func (t *WSTransport) nextRequestID() string {
	return strconv.FormatUint(t.reqSeq.Add(1), 10)
}

// request sends msg and waits for the reply with the same request id.
func (t *WSTransport) request(ctx context.Context, msg model.ClientMessage) (model.ServerMessage, error) {
	msg.RequestID = t.nextRequestID()
	reply := make(chan model.ServerMessage, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return model.ServerMessage{}, errTransportClosed
	}
	t.pending[msg.RequestID] = reply
	t.mu.Unlock()

	if err := t.write(msg); err != nil {
		t.forget(msg.RequestID)
		return model.ServerMessage{}, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-reply:
		if !ok {
			return model.ServerMessage{}, errors.NewPersistenceError("realtime connection lost during request")
		}
		if resp.Type == model.MessageTypeError {
			return resp, remoteError(resp.Error)
		}
		return resp, nil
	case <-timer.C:
		t.forget(msg.RequestID)
		return model.ServerMessage{}, errors.NewPersistenceError("realtime request timed out")
	case <-ctx.Done():
		t.forget(msg.RequestID)
		return model.ServerMessage{}, ctx.Err()
	}
}

func (t *WSTransport) forget(requestID string) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

func (t *WSTransport) Fetch(ctx context.Context, collection, id string) (*model.Record, error) {
	resp, err := t.request(ctx, model.ClientMessage{Action: model.ActionGet, Collection: collection, RecordID: id})
	if err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return nil, errors.NewNotFoundError("record").WithDetail("recordId", id)
	}
	return resp.Record, nil
}

func (t *WSTransport) Update(ctx context.Context, collection, id string, fields model.Fields) (*model.Record, error) {
	resp, err := t.request(ctx, model.ClientMessage{Action: model.ActionUpdate, Collection: collection, RecordID: id, Fields: fields})
	if err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return nil, errors.NewInternalError("update reply carried no record")
	}
	return resp.Record, nil
}

func (t *WSTransport) subscribeMessage(s *wsSubscription) model.ClientMessage {
	return model.ClientMessage{
		Action:          model.ActionSubscribe,
		RequestID:       t.nextRequestID(),
		SubscriptionID:  s.id,
		Collection:      s.opts.Collection,
		Filter:          s.opts.Filter,
		Mode:            model.QueryModeStream,
		ExcludeArchived: s.opts.ExcludeArchived,
	}
}

// Subscribe opens a stream-mode subscription and waits until its snapshot
// has been handed to handler.
func (t *WSTransport) Subscribe(ctx context.Context, opts SubscribeOptions, handler StreamHandler) (RemoteSubscription, error) {
	sub := &wsSubscription{
		id:     uuid.NewString(),
		opts:   opts,
		stream: newOrderedStream(handler),
		cursor: opts.ResumeCursor,
		ready:  make(chan error, 1),
	}
	_ = sub.stream.open(func(StreamHandler) error { return nil })
	ready := sub.ready

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.subs[sub.id] = sub
	t.mu.Unlock()

	msg := t.subscribeMessage(sub)
	msg.ResumeCursor = opts.ResumeCursor
	if err := t.write(msg); err != nil {
		t.dropSubscription(sub.id)
		return nil, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()
	var err error
	select {
	case err = <-ready:
	case <-timer.C:
		err = errors.NewPersistenceError("subscription was not confirmed in time")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		t.dropSubscription(sub.id)
		_ = t.write(model.ClientMessage{Action: model.ActionUnsubscribe, SubscriptionID: sub.id})
		return nil, err
	}
	return &wsRemoteSubscription{id: sub.id, transport: t}, nil
}

func (t *WSTransport) dropSubscription(id string) *wsSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := t.subs[id]
	delete(t.subs, id)
	return sub
}

// Close closes the connection and ends every subscription.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	subs := t.subs
	t.subs = make(map[string]*wsSubscription)
	t.mu.Unlock()

	close(t.done)
	var err error
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = conn.Close()
	}
	t.wg.Wait()

	for _, s := range subs {
		s.stream.push(StreamEvent{Kind: StreamClosed, Err: errTransportClosed})
	}
	return err
}

type wsRemoteSubscription struct {
	id        string
	transport *WSTransport
	once      sync.Once
}

func (s *wsRemoteSubscription) ID() string { return s.id }

func (s *wsRemoteSubscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.transport.dropSubscription(s.id) == nil {
			return
		}
		err = s.transport.write(model.ClientMessage{Action: model.ActionUnsubscribe, SubscriptionID: s.id})
		if err != nil && s.transport.isClosed() {
			err = nil
		}
	})
	return err
}
