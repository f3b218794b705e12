package http_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	stdhttp "net/http"
	"strings"
	"sync"
	"testing"
	"time"

	httpadapter "scout-sync/internal/entitysync/adapter/http"
	"scout-sync/internal/entitysync/adapter/persistence/memory"
	"scout-sync/internal/entitysync/client"
	"scout-sync/internal/entitysync/config"
	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/service"
	"scout-sync/internal/entitysync/usecase"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const teamsYAML = `
collections:
  - name: teams
    fields:
      - { name: number, type: number, required: true }
      - { name: nickname, type: string, required: true }
`

type testServer struct {
	base     string
	registry *service.SchemaRegistry
	store    *usecase.Store
	manager  *usecase.SubscriptionManager
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	defs, err := config.ParseCollections(strings.NewReader(teamsYAML))
	require.NoError(t, err)
	registry := service.NewSchemaRegistry(nil)
	require.NoError(t, config.RegisterCollections(registry, defs))

	compiler, err := service.NewFilterCompiler()
	require.NoError(t, err)
	changes := usecase.NewChangeLog(memory.NewEventLog(time.Minute, 0), nil, nil)
	store := usecase.NewStore(registry, memory.NewRecordRepository(), changes, nil)
	manager := usecase.NewSubscriptionManager(registry, compiler, store, changes, usecase.CollectionAuthorizer{}, nil, nil)

	rt := config.DefaultSyncConfig().Realtime
	rt.HeartbeatInterval = 20 * time.Millisecond

	app := fiber.New(fiber.Config{ErrorHandler: httpadapter.ErrorHandler})
	mw := httpadapter.NewMiddleware(nil, false, nil)
	app.Use(mw.Recover(), mw.RequestID(), mw.Authenticate())
	httpadapter.NewRecordHandler(store, registry, compiler, usecase.CollectionAuthorizer{}, nil).RegisterRoutes(app)
	httpadapter.NewEventsHandler(manager, rt, nil).RegisterRoutes(app)
	httpadapter.NewWebSocketHandler(store, manager, compiler, usecase.CollectionAuthorizer{}, rt, nil).RegisterRoutes(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.ShutdownWithTimeout(2 * time.Second) })

	return &testServer{
		base:     ln.Addr().String(),
		registry: registry,
		store:    store,
		manager:  manager,
	}
}

type sseFrame struct {
	id    string
	event string
	msg   model.ServerMessage
}

// nextFrame reads the next event frame, skipping heartbeat comments.
func nextFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f.msg))
		}
	}
}

func openEvents(t *testing.T, srv *testServer, lastEventID string) (*bufio.Reader, func()) {
	t.Helper()
	req, err := stdhttp.NewRequest("GET", "http://"+srv.base+"/v1/collections/teams/events", nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := stdhttp.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() { _ = resp.Body.Close() }
}

func TestEventsHandler_SnapshotThenChangesThenResume(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	first, err := srv.store.Create(ctx, "teams", map[string]interface{}{"number": 254, "nickname": "Cheesy Poofs"})
	require.NoError(t, err)

	r, closeStream := openEvents(t, srv, "")

	f := nextFrame(t, r)
	assert.Equal(t, model.MessageTypeSubscribed, f.event)
	subID := f.msg.SubscriptionID
	assert.NotEmpty(t, subID)

	f = nextFrame(t, r)
	require.Equal(t, model.MessageTypeSnapshotRecord, f.event)
	assert.Equal(t, first.ID, f.msg.Record.ID)

	f = nextFrame(t, r)
	require.Equal(t, model.MessageTypeSnapshotEnd, f.event)
	cursor := f.id
	assert.NotEmpty(t, cursor)

	second, err := srv.store.Create(ctx, "teams", map[string]interface{}{"number": 1678, "nickname": "Citrus Circuits"})
	require.NoError(t, err)

	f = nextFrame(t, r)
	require.Equal(t, model.MessageTypeChange, f.event)
	assert.Equal(t, subID, f.msg.SubscriptionID)
	assert.Equal(t, model.ChangeKindCreate, f.msg.Event.Kind)
	assert.Equal(t, second.ID, f.msg.Event.RecordID)
	assert.NotEmpty(t, f.id)
	closeStream()

	r, closeStream = openEvents(t, srv, cursor)
	defer closeStream()

	f = nextFrame(t, r)
	require.Equal(t, model.MessageTypeSubscribed, f.event)
	assert.True(t, f.msg.Resumed)

	f = nextFrame(t, r)
	require.Equal(t, model.MessageTypeChange, f.event)
	assert.Equal(t, second.ID, f.msg.Event.RecordID)
}

func TestEventsHandler_UnknownCollection(t *testing.T) {
	srv := startServer(t)

	resp, err := stdhttp.Get("http://" + srv.base + "/v1/collections/ghosts/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, stdhttp.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, srv.manager.ClientCount())
}

func TestWebSocket_CacheFollowsServer(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	transport, err := client.DialWS(ctx, client.WSConfig{URL: "ws://" + srv.base + "/ws/v1/listen"}, nil)
	require.NoError(t, err)
	defer transport.Close()

	cache, err := client.NewCache(transport, client.WithRegistry(srv.registry))
	require.NoError(t, err)
	defer cache.Close()

	existing, err := srv.store.Create(ctx, "teams", map[string]interface{}{"number": 971, "nickname": "Spartan Robotics"})
	require.NoError(t, err)

	q, err := cache.All(ctx, "teams", model.FilterSpec{}, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	created, err := srv.store.Create(ctx, "teams", map[string]interface{}{"number": 1323, "nickname": "MadTown"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	rec, err := cache.MutateLocal(ctx, "teams", created.ID, map[string]interface{}{"nickname": "MadTown Robotics"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	stored, err := srv.store.Get(ctx, "teams", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "MadTown Robotics", stored.Fields["nickname"])

	require.NoError(t, srv.store.Delete(ctx, "teams", existing.ID))
	require.Eventually(t, func() bool {
		_, ok := cache.Lookup("teams", existing.ID)
		return !ok && q.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Close())
	require.Eventually(t, func() bool { return srv.manager.SubscriptionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RejectsPlainHTTP(t *testing.T) {
	srv := startServer(t)

	resp, err := stdhttp.Get("http://" + srv.base + "/ws/v1/listen")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, stdhttp.StatusUpgradeRequired, resp.StatusCode)
}

// dropProxy forwards TCP connections to the server and can cut them all at
// once, the way a network failure would.
type dropProxy struct {
	ln      net.Listener
	backend string

	mu    sync.Mutex
	conns []net.Conn
}

func startProxy(t *testing.T, backend string) *dropProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &dropProxy{ln: ln, backend: backend}
	go p.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		p.drop()
	})
	return p
}

func (p *dropProxy) addr() string { return p.ln.Addr().String() }

func (p *dropProxy) serve() {
	for {
		in, err := p.ln.Accept()
		if err != nil {
			return
		}
		out, err := net.Dial("tcp", p.backend)
		if err != nil {
			_ = in.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, in, out)
		p.mu.Unlock()
		go func() {
			_, _ = io.Copy(out, in)
			_ = out.Close()
		}()
		go func() {
			_, _ = io.Copy(in, out)
			_ = in.Close()
		}()
	}
}

func (p *dropProxy) drop() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func TestWebSocket_FilteredQuerySurvivesReconnect(t *testing.T) {
	srv := startServer(t)
	proxy := startProxy(t, srv.base)
	ctx := context.Background()

	inside, err := srv.store.Create(ctx, "teams", map[string]interface{}{"number": 1678, "nickname": "Citrus Circuits"})
	require.NoError(t, err)
	outside, err := srv.store.Create(ctx, "teams", map[string]interface{}{"number": 254, "nickname": "Cheesy Poofs"})
	require.NoError(t, err)
	bystander, err := srv.store.Create(ctx, "teams", map[string]interface{}{"number": 118, "nickname": "Robonauts"})
	require.NoError(t, err)

	transport, err := client.DialWS(ctx, client.WSConfig{
		URL:          "ws://" + proxy.addr() + "/ws/v1/listen",
		ReconnectMin: 300 * time.Millisecond,
		ReconnectMax: 600 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer transport.Close()

	cache, err := client.NewCache(transport, client.WithRegistry(srv.registry))
	require.NoError(t, err)
	defer cache.Close()

	q, err := cache.All(ctx, "teams", model.FilterSpec{Expression: "fields.number >= 1000"}, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	proxy.drop()
	require.Eventually(t, func() bool { return srv.manager.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = srv.store.Update(ctx, "teams", inside.ID, map[string]interface{}{"nickname": "Citrus Circuits 1678"})
	require.NoError(t, err)
	_, err = srv.store.Update(ctx, "teams", bystander.ID, map[string]interface{}{"nickname": "Robonauts 118"})
	require.NoError(t, err)
	_, err = srv.store.Update(ctx, "teams", outside.ID, map[string]interface{}{"number": 2540})
	require.NoError(t, err)

	nicknames := func() map[string]interface{} {
		out := make(map[string]interface{})
		for _, rec := range q.Records() {
			out[rec.ID] = rec.Fields["nickname"]
		}
		return out
	}
	require.Eventually(t, func() bool {
		return srv.manager.ClientCount() == 1 && q.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]interface{}{
		inside.ID:  "Citrus Circuits 1678",
		outside.ID: "Cheesy Poofs",
	}, nicknames())

	_, err = srv.store.Update(ctx, "teams", bystander.ID, map[string]interface{}{"number": 1180})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Robonauts 118", nicknames()[bystander.ID])
}

func TestWebSocket_StreamQueryWritesRecordFrames(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()
	for _, n := range []int{118, 1678, 2056} {
		_, err := srv.store.Create(ctx, "teams", map[string]interface{}{"number": n, "nickname": "team"})
		require.NoError(t, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.base+"/ws/v1/listen", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(model.ClientMessage{
		Action:     model.ActionQuery,
		RequestID:  "q1",
		Collection: "teams",
		Mode:       model.QueryModeStream,
		Filter:     model.FilterSpec{Expression: "fields.number >= 1000"},
	}))

	var streamed []float64
	var result model.ServerMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for result.Type != model.MessageTypeResult {
		var msg model.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case model.MessageTypeSnapshotRecord:
			assert.Equal(t, "q1", msg.RequestID)
			require.NotNil(t, msg.Record)
			streamed = append(streamed, msg.Record.Fields["number"].(float64))
		case model.MessageTypeResult:
			result = msg
		}
	}
	assert.Equal(t, "q1", result.RequestID)
	assert.Empty(t, result.Records)
	require.NotNil(t, result.Count)
	assert.Equal(t, 2, *result.Count)
	assert.Equal(t, []float64{1678, 2056}, streamed)
}
