package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/shared/contextkeys"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier map[string]*model.Principal

func (s stubVerifier) Verify(_ context.Context, token string) (*model.Principal, error) {
	if p, ok := s[token]; ok {
		return p, nil
	}
	return nil, assert.AnError
}

func newTestApp(mw *Middleware) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(mw.Recover(), mw.RequestID(), mw.Authenticate())
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"user":      principalFrom(c).UserID,
			"ctxUser":   c.UserContext().Value(contextkeys.UserIDKey),
			"requestId": c.UserContext().Value(contextkeys.RequestIDKey),
		})
	})
	app.Get("/panic", func(c *fiber.Ctx) error { panic("boom") })
	return app
}

func decodeBody(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestAuthenticate(t *testing.T) {
	verifier := stubVerifier{"good": {UserID: "scout-3", Collections: []string{"teams"}}}

	testCases := []struct {
		name       string
		required   bool
		header     string
		query      string
		wantStatus int
		wantUser   string
	}{
		{"anonymous when optional", false, "", "", fiber.StatusOK, "anonymous"},
		{"bearer header", true, "Bearer good", "", fiber.StatusOK, "scout-3"},
		{"query token", true, "", "good", fiber.StatusOK, "scout-3"},
		{"missing when required", true, "", "", fiber.StatusUnauthorized, ""},
		{"bad token", false, "Bearer bad", "", fiber.StatusUnauthorized, ""},
		{"non bearer scheme", true, "Basic abc", "", fiber.StatusUnauthorized, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(NewMiddleware(verifier, tc.required, nil))
			target := "/whoami"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.wantStatus != fiber.StatusOK {
				body := decodeBody(t, resp.Body)
				assert.Equal(t, "AUTHENTICATION_ERROR", body["error"].(map[string]any)["type"])
				return
			}
			body := decodeBody(t, resp.Body)
			assert.Equal(t, tc.wantUser, body["user"])
			assert.Equal(t, tc.wantUser, body["ctxUser"])
		})
	}
}

func TestRequestID_PropagatesToContext(t *testing.T) {
	app := newTestApp(NewMiddleware(nil, false, nil))

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set(fiber.HeaderXRequestID, "req-42")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.Header.Get(fiber.HeaderXRequestID))
	assert.Equal(t, "req-42", decodeBody(t, resp.Body)["requestId"])

	resp, err = app.Test(httptest.NewRequest("GET", "/whoami", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))
}

func TestRecover_AnswersInternalError(t *testing.T) {
	app := newTestApp(NewMiddleware(nil, false, nil))

	resp, err := app.Test(httptest.NewRequest("GET", "/panic", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestErrorHandler_UnknownRoute(t *testing.T) {
	app := newTestApp(NewMiddleware(nil, false, nil))

	resp, err := app.Test(httptest.NewRequest("GET", "/nowhere", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	assert.NotEmpty(t, body["error"].(map[string]any)["message"])
}
