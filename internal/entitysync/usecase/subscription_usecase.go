package usecase

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/service"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Authorizer decides whether a principal may use a collection.
type Authorizer interface {
	Authorize(ctx context.Context, principal *model.Principal, collection string) error
}

// CollectionAuthorizer checks the collection claim of the principal.
type CollectionAuthorizer struct{}

func (CollectionAuthorizer) Authorize(_ context.Context, principal *model.Principal, collection string) error {
	if principal.CanAccess(collection) {
		return nil
	}
	return errors.NewAuthorizationError(fmt.Sprintf("access to collection %q denied", collection)).
		WithDetail("collection", collection)
}

// AllowAll accepts every principal, including nil.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, *model.Principal, string) error { return nil }

type subscriptionState struct {
	sub         *model.Subscription
	unsubscribe func()
}

type clientState struct {
	id        string
	principal *model.Principal
	sink      Sink
	subs      map[string]*subscriptionState
}

// SubscriptionManager tracks connected clients and their live subscriptions
// and forwards change events from the change log to client sinks.
type SubscriptionManager struct {
	registry *service.SchemaRegistry
	compiler *service.FilterCompiler
	store    *Store
	changes  *ChangeLog
	auth     Authorizer
	log      logger.Logger
	metrics  Metrics
	clock    func() time.Time

	mu      sync.RWMutex
	clients map[string]*clientState
}

// NewSubscriptionManager wires the manager. auth defaults to AllowAll.
func NewSubscriptionManager(registry *service.SchemaRegistry, compiler *service.FilterCompiler, store *Store, changes *ChangeLog, auth Authorizer, log logger.Logger, metrics Metrics) *SubscriptionManager {
	if auth == nil {
		auth = AllowAll{}
	}
	return &SubscriptionManager{
		registry: registry,
		compiler: compiler,
		store:    store,
		changes:  changes,
		auth:     auth,
		log:      logger.OrNop(log).WithComponent("subscriptions"),
		metrics:  orNopMetrics(metrics),
		clock:    time.Now,
		clients:  make(map[string]*clientState),
	}
}

// Connect registers a client and its delivery sink. An empty clientID gets a
// generated one, which is returned.
func (m *SubscriptionManager) Connect(clientID string, principal *model.Principal, sink Sink) (string, error) {
	if sink == nil {
		return "", errors.NewValidationError("sink is required")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[clientID]; exists {
		return "", errors.NewValidationError(fmt.Sprintf("client %q already connected", clientID)).WithCode("CLIENT_EXISTS")
	}
	m.clients[clientID] = &clientState{
		id:        clientID,
		principal: principal,
		sink:      sink,
		subs:      make(map[string]*subscriptionState),
	}
	m.log.Debug("Client connected", zap.String("clientId", clientID))
	return clientID, nil
}

func (m *SubscriptionManager) client(clientID string) (*clientState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, errors.NewNotFoundError("client").WithDetail("clientId", clientID)
	}
	return c, nil
}

// Subscribe opens a query for a connected client. single and count modes are
// answered immediately and register nothing. all and stream modes register a
// listener first and then either replay the backlog after ResumeCursor into
// the client's sink or take a snapshot, so no change is lost in between.
// A change may appear both in the snapshot and as an event; clients discard
// the event by version.
func (m *SubscriptionManager) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResponse, error) {
	client, err := m.client(req.ClientID)
	if err != nil {
		return nil, err
	}
	if err := m.auth.Authorize(ctx, client.principal, req.Collection); err != nil {
		return nil, err
	}
	if _, err := m.registry.Lookup(req.Collection); err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = model.QueryModeAll
	}
	if !mode.Valid() {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown query mode %q", mode))
	}
	filter, err := m.compiler.Compile(req.Filter)
	if err != nil {
		return nil, err
	}
	query := model.Query{
		Collection:      req.Collection,
		Filter:          filter,
		Mode:            mode,
		Limit:           req.Limit,
		ExcludeArchived: req.ExcludeArchived,
	}

	if !mode.Live() {
		result, err := m.store.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		return &SubscribeResponse{Mode: mode, Record: result.Record, Count: result.Count}, nil
	}

	sub := &model.Subscription{
		ID:              req.SubscriptionID,
		ClientID:        client.id,
		Collection:      req.Collection,
		FilterSpec:      req.Filter,
		Mode:            mode,
		ExcludeArchived: req.ExcludeArchived,
		CreatedAt:       m.clock().UTC(),
		Filter:          filter,
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if m.hasSubscription(client, sub.ID) {
		return nil, errors.NewValidationError(fmt.Sprintf("subscription %q already exists", sub.ID)).WithCode("SUBSCRIPTION_EXISTS")
	}

	matcher := filter
	if req.ExcludeArchived {
		matcher = model.LiveOnly(filter)
	}
	listener := m.listener(client, sub.ID, matcher)

	// Replayed events carry no record state to filter on, so only
	// subscriptions over every live and archived record resume.
	resume := req.ResumeCursor
	if !req.Filter.IsAll() || req.ExcludeArchived {
		resume = ""
	}
	att, err := m.changes.Attach(ctx, req.Collection, resume, listener)
	if err != nil {
		return nil, errors.WrapError(err, "attach subscription")
	}

	m.mu.Lock()
	current, connected := m.clients[client.id]
	if !connected || current != client {
		m.mu.Unlock()
		att.Unsubscribe()
		return nil, errors.NewNotFoundError("client").WithDetail("clientId", client.id)
	}
	if _, dup := client.subs[sub.ID]; dup {
		m.mu.Unlock()
		att.Unsubscribe()
		return nil, errors.NewValidationError(fmt.Sprintf("subscription %q already exists", sub.ID)).WithCode("SUBSCRIPTION_EXISTS")
	}
	client.subs[sub.ID] = &subscriptionState{sub: sub, unsubscribe: att.Unsubscribe}
	m.mu.Unlock()

	m.metrics.SubscriptionOpened(req.Collection, mode)
	resp := &SubscribeResponse{
		Subscription: sub,
		Mode:         mode,
		Cursor:       att.Head,
	}
	if resume != "" && att.Complete {
		resp.Resumed = true
		m.log.WithContext(ctx).Debug("Subscription resumed",
			zap.String("clientId", client.id),
			zap.String("subscriptionId", sub.ID),
			zap.Int("replayed", att.Replayed))
		return resp, nil
	}
	resp.Resnapshot = req.ResumeCursor != ""

	result, err := m.store.Query(ctx, query)
	if err != nil {
		_ = m.Unsubscribe(ctx, client.id, sub.ID)
		return nil, err
	}
	resp.Records = result.Records
	resp.Stream = result.Stream

	m.log.WithContext(ctx).Debug("Subscription opened",
		zap.String("clientId", client.id),
		zap.String("subscriptionId", sub.ID),
		zap.String("collection", req.Collection),
		zap.String("mode", string(mode)))
	return resp, nil
}

func (m *SubscriptionManager) hasSubscription(client *clientState, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := client.subs[id]
	return ok
}

func (m *SubscriptionManager) listener(client *clientState, subID string, filter model.Filter) ChangeListener {
	return func(ctx context.Context, env model.ChangeEnvelope) error {
		if !Forwards(filter, env) {
			return nil
		}
		d := Delivery{SubscriptionID: subID, Cursor: env.Cursor, Event: env.Event}
		if Enters(filter, env) {
			d.Record = env.After.Clone()
		}
		err := client.sink.Deliver(d)
		switch {
		case err == nil, stderrors.Is(err, ErrSinkClosed):
			return nil
		case stderrors.Is(err, ErrSlowConsumer):
			m.log.Warn("Dropping slow client",
				zap.String("clientId", client.id),
				zap.String("subscriptionId", subID))
			m.metrics.ClientDropped("slow_consumer")
			m.disconnect(client, err)
			return err
		default:
			return err
		}
	}
}

// Forwards reports whether a change is relevant to a subscription filter.
// Creates are judged on the new state and deletes on the last state. Updates
// and archives are forwarded when either state matches, so a record leaving
// the filter is reported once. Replayed events carry no state and are only
// forwarded to subscriptions that match every record; filtered subscriptions
// never resume.
func Forwards(filter model.Filter, env model.ChangeEnvelope) bool {
	if env.Replayed() {
		return model.IsAllFilter(filter)
	}
	switch env.Event.Kind {
	case model.ChangeKindCreate:
		return filter.Match(env.After)
	case model.ChangeKindDelete:
		return filter.Match(env.Before)
	default:
		return filter.Match(env.Before) || filter.Match(env.After)
	}
}

// Enters reports whether an update or archive moves a record into the
// filter, so the subscriber needs the whole record rather than the changed
// fields.
func Enters(filter model.Filter, env model.ChangeEnvelope) bool {
	switch env.Event.Kind {
	case model.ChangeKindUpdate, model.ChangeKindArchive:
		return env.After != nil && filter.Match(env.After) && !filter.Match(env.Before)
	}
	return false
}

// Unsubscribe removes one subscription. Its listener is released before the
// call returns.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, clientID, subscriptionID string) error {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("client").WithDetail("clientId", clientID)
	}
	state, ok := client.subs[subscriptionID]
	if !ok {
		m.mu.Unlock()
		return errors.NewNotFoundError("subscription").WithDetail("subscriptionId", subscriptionID)
	}
	delete(client.subs, subscriptionID)
	m.mu.Unlock()

	state.unsubscribe()
	m.metrics.SubscriptionClosed(state.sub.Collection)
	m.log.WithContext(ctx).Debug("Subscription closed",
		zap.String("clientId", clientID),
		zap.String("subscriptionId", subscriptionID))
	return nil
}

// Disconnect removes a client and all of its subscriptions and closes its
// sink with reason. Unknown clients are ignored.
func (m *SubscriptionManager) Disconnect(ctx context.Context, clientID string, reason error) {
	m.mu.RLock()
	client, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.disconnect(client, reason)
}

func (m *SubscriptionManager) disconnect(client *clientState, reason error) {
	m.mu.Lock()
	if current, ok := m.clients[client.id]; !ok || current != client {
		m.mu.Unlock()
		return
	}
	delete(m.clients, client.id)
	subs := client.subs
	client.subs = make(map[string]*subscriptionState)
	m.mu.Unlock()

	for _, state := range subs {
		state.unsubscribe()
		m.metrics.SubscriptionClosed(state.sub.Collection)
	}
	client.sink.Close(reason)
	m.log.Debug("Client disconnected",
		zap.String("clientId", client.id),
		zap.Int("subscriptions", len(subs)))
}

// Subscriptions lists the live subscriptions of a client.
func (m *SubscriptionManager) Subscriptions(clientID string) []*model.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]*model.Subscription, 0, len(client.subs))
	for _, state := range client.subs {
		out = append(out, state.sub)
	}
	return out
}

// Principal returns the principal a client connected with.
func (m *SubscriptionManager) Principal(clientID string) (*model.Principal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil, false
	}
	return client.principal, true
}

func (m *SubscriptionManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *SubscriptionManager) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.clients {
		n += len(c.subs)
	}
	return n
}
