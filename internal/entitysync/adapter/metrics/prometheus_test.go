package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/shared/errors"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func newApp(t *testing.T) (*Prometheus, *fiber.App) {
	t.Helper()
	p, err := NewPrometheus("scout_sync")
	require.NoError(t, err)

	app := fiber.New()
	app.Use(p.Middleware())
	app.Get("/v1/collections/:collection", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics", p.FiberHandler())
	return p, app
}

func TestPrometheus_RecordsUsecaseMetrics(t *testing.T) {
	p, app := newApp(t)

	p.ObserveStoreOperation("create", "teams", nil, time.Millisecond)
	p.ObserveStoreOperation("update", "teams", errors.NewNotFoundError("record"), time.Millisecond)
	p.ObservePublish("teams", model.ChangeKindCreate, 3, 1)
	p.SubscriptionOpened("teams", model.QueryModeStream)
	p.SubscriptionOpened("teams", model.QueryModeAll)
	p.SubscriptionClosed("teams")
	p.ClientDropped("slow_consumer")

	body := scrape(t, app)
	for _, line := range []string{
		`scout_sync_store_operations_total{collection="teams",op="create",result="ok"} 1`,
		`scout_sync_store_operations_total{collection="teams",op="update",result="NOT_FOUND"} 1`,
		`scout_sync_change_events_published_total{collection="teams",kind="create"} 1`,
		`scout_sync_change_event_deliveries_total{collection="teams",outcome="delivered"} 3`,
		`scout_sync_change_event_deliveries_total{collection="teams",outcome="failed"} 1`,
		`scout_sync_active_subscriptions{collection="teams"} 1`,
		`scout_sync_subscriptions_opened_total{collection="teams",mode="stream"} 1`,
		`scout_sync_clients_dropped_total{reason="slow_consumer"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestPrometheus_CountsRequestsByRoute(t *testing.T) {
	_, app := newApp(t)

	for _, name := range []string{"teams", "matches"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/v1/collections/"+name, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}

	body := scrape(t, app)
	assert.Contains(t, body, `scout_sync_http_requests_total{method="GET",path="/v1/collections/:collection",status="200"} 2`)
	assert.Contains(t, body, "go_goroutines")
}
