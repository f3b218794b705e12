package http

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"scout-sync/internal/entitysync/config"
	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/service"
	"scout-sync/internal/entitysync/usecase"
	"scout-sync/internal/shared/contextkeys"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebSocketHandler serves the realtime socket. Each connection is one client
// of the subscription manager and may hold many subscriptions.
type WebSocketHandler struct {
	store    usecase.StoreUsecase
	manager  *usecase.SubscriptionManager
	compiler *service.FilterCompiler
	auth     usecase.Authorizer
	cfg      config.RealtimeConfig
	log      logger.Logger
}

// NewWebSocketHandler creates a WebSocketHandler. auth defaults to AllowAll.
func NewWebSocketHandler(
	store usecase.StoreUsecase,
	manager *usecase.SubscriptionManager,
	compiler *service.FilterCompiler,
	auth usecase.Authorizer,
	cfg config.RealtimeConfig,
	log logger.Logger,
) *WebSocketHandler {
	if auth == nil {
		auth = usecase.AllowAll{}
	}
	return &WebSocketHandler{
		store:    store,
		manager:  manager,
		compiler: compiler,
		auth:     auth,
		cfg:      cfg,
		log:      logger.OrNop(log).WithComponent("ws_handler"),
	}
}

// RegisterRoutes registers the WebSocket endpoint at cfg.WebSocketPath.
func (h *WebSocketHandler) RegisterRoutes(router fiber.Router) {
	router.Use(h.cfg.WebSocketPath, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get(h.cfg.WebSocketPath, websocket.New(h.handleConnection))
}

// session is the state of one connection.
type session struct {
	h         *WebSocketHandler
	conn      *websocket.Conn
	principal *model.Principal
	clientID  string
	queue     *usecase.ChannelSink
	gate      *gate
	log       logger.Logger
	ctx       context.Context

	writeMu sync.Mutex
}

func (h *WebSocketHandler) handleConnection(conn *websocket.Conn) {
	principal, _ := conn.Locals(localsPrincipal).(*model.Principal)
	queue := usecase.NewChannelSink(h.cfg.ClientSendChannelBuffer)
	g := newGate(queue, h.cfg.ClientSendChannelBuffer)

	clientID, err := h.manager.Connect("", principal, g)
	if err != nil {
		h.log.Error("Registering realtime client failed", zap.Error(err))
		return
	}

	ctx := context.WithValue(context.Background(), contextkeys.ClientIDKey, clientID)
	if principal != nil {
		ctx = context.WithValue(ctx, contextkeys.PrincipalKey, principal)
		ctx = context.WithValue(ctx, contextkeys.UserIDKey, principal.UserID)
	}
	s := &session{
		h:         h,
		conn:      conn,
		principal: principal,
		clientID:  clientID,
		queue:     queue,
		gate:      g,
		log:       h.log.WithContext(ctx),
		ctx:       ctx,
	}
	s.log.Info("Realtime connection established")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.readLoop()
	h.manager.Disconnect(ctx, clientID, nil)
	wg.Wait()
	s.log.Info("Realtime connection closed")
}

func (s *session) readLoop() {
	timeout := s.h.cfg.ReadTimeout
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(timeout))
	})
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Realtime read failed", zap.Error(err))
			}
			return
		}

		var msg model.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("Invalid JSON from realtime client", zap.Error(err))
			s.sendError(msg, errors.NewValidationError("invalid JSON message"))
			continue
		}
		s.handle(msg)
	}
}

// writeLoop drains the change queue and sends heartbeats. It ends when the
// sink is closed; a server-side drop is announced before the socket closes.
func (s *session) writeLoop() {
	heartbeat := time.NewTicker(s.h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case d := <-s.queue.Deliveries():
			if err := s.sendChange(d); err != nil {
				s.log.Debug("Realtime write failed", zap.Error(err))
				_ = s.conn.Close()
			}
		case <-heartbeat.C:
			err := s.send(model.ServerMessage{Type: model.MessageTypeHeartbeat})
			if err == nil {
				s.writeMu.Lock()
				err = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.writeMu.Unlock()
			}
			if err != nil {
				_ = s.conn.Close()
			}
		case <-s.queue.Done():
			if reason := s.queue.Err(); reason != nil {
				s.log.Warn("Dropping realtime client", zap.Error(reason))
				_ = s.send(model.ServerMessage{Type: model.MessageTypeDisconnect, Error: errorBody(disconnectError(reason))})
				s.writeMu.Lock()
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"),
					time.Now().Add(time.Second))
				s.writeMu.Unlock()
				_ = s.conn.Close()
			}
			return
		}
	}
}

func (s *session) send(msg model.ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *session) sendChange(d usecase.Delivery) error {
	return s.send(changeMessage(d))
}

func changeMessage(d usecase.Delivery) model.ServerMessage {
	ev := d.Event
	return model.ServerMessage{
		Type:           model.MessageTypeChange,
		SubscriptionID: d.SubscriptionID,
		Cursor:         d.Cursor,
		Event:          &ev,
		Record:         d.Record,
	}
}

func (s *session) sendError(req model.ClientMessage, err error) {
	if err := s.send(model.ServerMessage{
		Type:           model.MessageTypeError,
		RequestID:      req.RequestID,
		SubscriptionID: req.SubscriptionID,
		Error:          errorBody(err),
	}); err != nil {
		s.log.Debug("Sending error reply failed", zap.Error(err))
	}
}

func (s *session) reply(req model.ClientMessage, msg model.ServerMessage) {
	msg.RequestID = req.RequestID
	if err := s.send(msg); err != nil {
		s.log.Debug("Sending reply failed", zap.String("action", req.Action), zap.Error(err))
	}
}

func (s *session) handle(msg model.ClientMessage) {
	switch msg.Action {
	case model.ActionSubscribe:
		s.subscribe(msg)
	case model.ActionUnsubscribe:
		if err := s.h.manager.Unsubscribe(s.ctx, s.clientID, msg.SubscriptionID); err != nil {
			s.sendError(msg, err)
			return
		}
		s.reply(msg, model.ServerMessage{Type: model.MessageTypeUnsubscribed, SubscriptionID: msg.SubscriptionID})
	case model.ActionPing:
		s.reply(msg, model.ServerMessage{Type: model.MessageTypePong})
	case model.ActionGet, model.ActionQuery, model.ActionCreate, model.ActionUpdate, model.ActionArchive, model.ActionDelete:
		res, err := s.execute(msg)
		if err != nil {
			s.sendError(msg, err)
			return
		}
		res.Type = model.MessageTypeResult
		s.reply(msg, res)
	default:
		s.sendError(msg, errors.NewValidationError("unknown action").WithDetail("action", msg.Action))
	}
}

// execute runs a request/response action against the store.
func (s *session) execute(msg model.ClientMessage) (model.ServerMessage, error) {
	if err := s.h.auth.Authorize(s.ctx, s.principal, msg.Collection); err != nil {
		return model.ServerMessage{}, err
	}
	ctx := context.WithValue(s.ctx, contextkeys.CollectionKey, msg.Collection)
	store := s.h.store

	var (
		rec *model.Record
		err error
	)
	switch msg.Action {
	case model.ActionGet:
		rec, err = store.Get(ctx, msg.Collection, msg.RecordID)
	case model.ActionCreate:
		rec, err = store.Create(ctx, msg.Collection, msg.Fields)
	case model.ActionUpdate:
		rec, err = store.Update(ctx, msg.Collection, msg.RecordID, msg.Fields)
	case model.ActionArchive:
		if msg.Archived == nil {
			return model.ServerMessage{}, errors.NewValidationError("archived is required")
		}
		rec, err = store.Archive(ctx, msg.Collection, msg.RecordID, *msg.Archived)
	case model.ActionDelete:
		err = store.Delete(ctx, msg.Collection, msg.RecordID)
	case model.ActionQuery:
		return s.query(ctx, msg)
	}
	if err != nil {
		return model.ServerMessage{}, err
	}
	return model.ServerMessage{Record: rec}, nil
}

// query answers a query action. Stream mode writes each record in its own
// snapshot_record frame and ends with a result carrying the count.
func (s *session) query(ctx context.Context, msg model.ClientMessage) (model.ServerMessage, error) {
	filter, err := s.h.compiler.Compile(msg.Filter)
	if err != nil {
		return model.ServerMessage{}, err
	}
	res, err := s.h.store.Query(ctx, model.Query{
		Collection:      msg.Collection,
		Filter:          filter,
		Mode:            msg.Mode,
		Limit:           msg.Limit,
		ExcludeArchived: msg.ExcludeArchived,
	})
	if err != nil {
		return model.ServerMessage{}, err
	}
	switch res.Mode {
	case model.QueryModeSingle:
		return model.ServerMessage{Record: res.Record}, nil
	case model.QueryModeCount:
		count := res.Count
		return model.ServerMessage{Count: &count}, nil
	case model.QueryModeStream:
		n := 0
		for rec, err := range res.Stream {
			if err != nil {
				return model.ServerMessage{}, err
			}
			if err := s.send(model.ServerMessage{Type: model.MessageTypeSnapshotRecord, RequestID: msg.RequestID, Record: rec}); err != nil {
				return model.ServerMessage{}, err
			}
			n++
		}
		return model.ServerMessage{Count: &n}, nil
	}
	return model.ServerMessage{Records: res.Records}, nil
}

// subscribe opens a subscription and writes its initial state. Changes that
// arrive meanwhile are held by the gate and written right after it.
func (s *session) subscribe(msg model.ClientMessage) {
	if msg.SubscriptionID == "" {
		msg.SubscriptionID = uuid.NewString()
	}
	for _, sub := range s.h.manager.Subscriptions(s.clientID) {
		if sub.ID == msg.SubscriptionID {
			s.sendError(msg, errors.NewValidationError("subscription already exists").
				WithCode("SUBSCRIPTION_EXISTS").
				WithDetail("subscriptionId", msg.SubscriptionID))
			return
		}
	}

	s.gate.hold(msg.SubscriptionID)
	resp, err := s.h.manager.Subscribe(s.ctx, usecase.SubscribeRequest{
		ClientID:        s.clientID,
		SubscriptionID:  msg.SubscriptionID,
		Collection:      msg.Collection,
		Filter:          msg.Filter,
		Mode:            msg.Mode,
		Limit:           msg.Limit,
		ExcludeArchived: msg.ExcludeArchived,
		ResumeCursor:    msg.ResumeCursor,
	})
	if err != nil {
		s.gate.discard(msg.SubscriptionID)
		s.log.Debug("Subscription rejected",
			zap.String("subscriptionId", msg.SubscriptionID),
			zap.String("collection", msg.Collection),
			zap.Error(err))
		s.sendError(msg, err)
		return
	}
	if !resp.Mode.Live() {
		s.gate.discard(msg.SubscriptionID)
		confirmed := model.ServerMessage{Type: model.MessageTypeSubscribed, SubscriptionID: msg.SubscriptionID, Record: resp.Record}
		if resp.Mode == model.QueryModeCount {
			count := resp.Count
			confirmed.Record, confirmed.Count = nil, &count
		}
		s.reply(msg, confirmed)
		return
	}

	s.writeMu.Lock()
	err = s.writeInitialState(msg, resp)
	if err == nil {
		err = s.gate.release(msg.SubscriptionID, func(d usecase.Delivery) error {
			return s.conn.WriteJSON(changeMessage(d))
		})
	}
	s.writeMu.Unlock()

	var aborted snapshotAborted
	if errors.As(err, &aborted) {
		s.gate.discard(msg.SubscriptionID)
		_ = s.h.manager.Unsubscribe(s.ctx, s.clientID, msg.SubscriptionID)
		s.log.Warn("Subscription snapshot aborted",
			zap.String("subscriptionId", msg.SubscriptionID),
			zap.Error(aborted.cause))
		return
	}
	if err != nil {
		s.gate.discard(msg.SubscriptionID)
		s.log.Warn("Writing subscription snapshot failed",
			zap.String("subscriptionId", msg.SubscriptionID),
			zap.Error(err))
		_ = s.conn.Close()
		return
	}
	s.log.Debug("Client subscribed",
		zap.String("subscriptionId", msg.SubscriptionID),
		zap.String("collection", msg.Collection),
		zap.String("mode", string(resp.Mode)),
		zap.Bool("resumed", resp.Resumed))
}

// snapshotAborted reports a snapshot cut short by the store; the client has
// been told and the connection is still usable.
type snapshotAborted struct{ cause error }

func (e snapshotAborted) Error() string { return "snapshot aborted: " + e.cause.Error() }

// writeInitialState writes the confirmation and snapshot. writeMu is held.
func (s *session) writeInitialState(msg model.ClientMessage, resp *usecase.SubscribeResponse) error {
	confirmed := model.ServerMessage{
		Type:           model.MessageTypeSubscribed,
		RequestID:      msg.RequestID,
		SubscriptionID: msg.SubscriptionID,
		Cursor:         resp.Cursor,
		Resumed:        resp.Resumed,
		Resnapshot:     resp.Resnapshot,
	}
	if resp.Resumed {
		return s.conn.WriteJSON(confirmed)
	}
	if resp.Mode == model.QueryModeAll {
		confirmed.Records = resp.Records
		if confirmed.Records == nil {
			confirmed.Records = []*model.Record{}
		}
		return s.conn.WriteJSON(confirmed)
	}

	if err := s.conn.WriteJSON(confirmed); err != nil {
		return err
	}
	for rec, err := range resp.Stream {
		if err != nil {
			if werr := s.conn.WriteJSON(model.ServerMessage{
				Type:           model.MessageTypeError,
				SubscriptionID: msg.SubscriptionID,
				Error:          errorBody(err),
			}); werr != nil {
				return werr
			}
			return snapshotAborted{cause: err}
		}
		if err := s.conn.WriteJSON(model.ServerMessage{
			Type:           model.MessageTypeSnapshotRecord,
			SubscriptionID: msg.SubscriptionID,
			Record:         rec,
		}); err != nil {
			return err
		}
	}
	return s.conn.WriteJSON(model.ServerMessage{
		Type:           model.MessageTypeSnapshotEnd,
		SubscriptionID: msg.SubscriptionID,
		Cursor:         resp.Cursor,
	})
}
