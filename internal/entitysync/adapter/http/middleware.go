package http

import (
	"context"
	"strings"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/shared/contextkeys"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	localsPrincipal = "principal"
	localsRequestID = "requestid"
)

// TokenVerifier turns a bearer token into the principal it was issued to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*model.Principal, error)
}

// Middleware holds the request pipeline shared by REST, SSE and WebSocket
// routes.
type Middleware struct {
	verifier TokenVerifier
	required bool
	log      logger.Logger
}

// NewMiddleware creates the middleware. With required unset, requests without
// a token act as the anonymous principal; verifier may then be nil.
func NewMiddleware(verifier TokenVerifier, required bool, log logger.Logger) *Middleware {
	return &Middleware{
		verifier: verifier,
		required: required,
		log:      logger.OrNop(log).WithComponent("http_middleware"),
	}
}

// CORS allows browser dashboards on other origins, including EventSource
// reconnects that carry Last-Event-ID.
func (m *Middleware) CORS() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,Last-Event-ID,X-Request-ID",
		MaxAge:       86400,
	})
}

// Recover turns handler panics into 500 responses.
func (m *Middleware) Recover() fiber.Handler {
	return recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			m.log.Error("Handler panicked",
				zap.String("path", c.Path()),
				zap.Any("panic", e))
		},
	})
}

// RequestID tags every request with an id, taken from X-Request-ID when the
// caller sent one.
func (m *Middleware) RequestID() fiber.Handler {
	return requestid.New(requestid.Config{
		Header:     fiber.HeaderXRequestID,
		Generator:  uuid.NewString,
		ContextKey: localsRequestID,
	})
}

// Authenticate resolves the caller's principal from the Authorization header
// or, for clients that cannot set headers (EventSource, browser WebSocket),
// the access_token query parameter. The principal and request id are stored
// in the locals and in the user context.
func (m *Middleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, err := m.principal(c)
		if err != nil {
			m.log.Debug("Request rejected by token gate",
				zap.String("path", c.Path()),
				zap.Error(err))
			return respondError(c, err)
		}

		c.Locals(localsPrincipal, principal)
		ctx := context.WithValue(c.UserContext(), contextkeys.PrincipalKey, principal)
		ctx = context.WithValue(ctx, contextkeys.UserIDKey, principal.UserID)
		if rid, ok := c.Locals(localsRequestID).(string); ok && rid != "" {
			ctx = context.WithValue(ctx, contextkeys.RequestIDKey, rid)
		}
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func (m *Middleware) principal(c *fiber.Ctx) (*model.Principal, error) {
	token := bearerToken(c)
	if token == "" || m.verifier == nil {
		if m.required {
			return nil, errors.NewAuthenticationError("authentication required")
		}
		return model.AnonymousPrincipal(), nil
	}
	principal, err := m.verifier.Verify(c.UserContext(), token)
	if err != nil {
		return nil, errors.NewAuthenticationError("invalid token").WithCause(err)
	}
	return principal, nil
}

func bearerToken(c *fiber.Ctx) string {
	if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query("access_token")
}

// principalFrom returns the principal set by Authenticate, or nil.
func principalFrom(c *fiber.Ctx) *model.Principal {
	p, _ := c.Locals(localsPrincipal).(*model.Principal)
	return p
}
