package http

import (
	"bufio"
	"context"
	"encoding/json"

	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/entitysync/domain/service"
	"scout-sync/internal/entitysync/usecase"
	"scout-sync/internal/shared/errors"
	"scout-sync/internal/shared/logger"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RecordHandler serves the REST API over collections and records.
type RecordHandler struct {
	store    usecase.StoreUsecase
	registry *service.SchemaRegistry
	compiler *service.FilterCompiler
	auth     usecase.Authorizer
	log      logger.Logger
}

// NewRecordHandler creates a RecordHandler. auth defaults to AllowAll.
func NewRecordHandler(
	store usecase.StoreUsecase,
	registry *service.SchemaRegistry,
	compiler *service.FilterCompiler,
	auth usecase.Authorizer,
	log logger.Logger,
) *RecordHandler {
	if auth == nil {
		auth = usecase.AllowAll{}
	}
	return &RecordHandler{
		store:    store,
		registry: registry,
		compiler: compiler,
		auth:     auth,
		log:      logger.OrNop(log).WithComponent("record_handler"),
	}
}

// RegisterRoutes registers the /v1 REST routes.
func (h *RecordHandler) RegisterRoutes(router fiber.Router) {
	v1 := router.Group("/v1")
	v1.Get("/collections", h.ListCollections)
	v1.Post("/collections/:collection/records", h.CreateRecord)
	v1.Get("/collections/:collection/records/:id", h.GetRecord)
	v1.Patch("/collections/:collection/records/:id", h.UpdateRecord)
	v1.Post("/collections/:collection/records/:id/archive", h.ArchiveRecord)
	v1.Delete("/collections/:collection/records/:id", h.DeleteRecord)
	v1.Post("/collections/:collection/query", h.QueryRecords)
}

// authorize checks the caller may use the collection named in the path.
func (h *RecordHandler) authorize(c *fiber.Ctx) (context.Context, string, error) {
	collection := c.Params("collection")
	ctx := c.UserContext()
	if err := h.auth.Authorize(ctx, principalFrom(c), collection); err != nil {
		return nil, "", err
	}
	return ctx, collection, nil
}

// ListCollections returns the schemas the caller may access.
func (h *RecordHandler) ListCollections(c *fiber.Ctx) error {
	principal := principalFrom(c)
	schemas := make([]*model.Schema, 0)
	_ = h.registry.Each(func(s *model.Schema) error {
		if h.auth.Authorize(c.UserContext(), principal, s.Name()) == nil {
			schemas = append(schemas, s)
		}
		return nil
	})
	return c.JSON(fiber.Map{"collections": schemas})
}

// CreateRecord handles POST /v1/collections/:collection/records.
func (h *RecordHandler) CreateRecord(c *fiber.Ctx) error {
	ctx, collection, err := h.authorize(c)
	if err != nil {
		return respondError(c, err)
	}

	var req usecase.CreateRecordRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, errors.NewValidationError("invalid request body").WithCause(err))
	}
	if req.Fields == nil {
		return respondError(c, errors.NewValidationError("fields are required"))
	}

	rec, err := h.store.Create(ctx, collection, req.Fields)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

// GetRecord handles GET /v1/collections/:collection/records/:id.
func (h *RecordHandler) GetRecord(c *fiber.Ctx) error {
	ctx, collection, err := h.authorize(c)
	if err != nil {
		return respondError(c, err)
	}
	rec, err := h.store.Get(ctx, collection, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rec)
}

// UpdateRecord handles PATCH /v1/collections/:collection/records/:id.
func (h *RecordHandler) UpdateRecord(c *fiber.Ctx) error {
	ctx, collection, err := h.authorize(c)
	if err != nil {
		return respondError(c, err)
	}

	var req usecase.UpdateRecordRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, errors.NewValidationError("invalid request body").WithCause(err))
	}
	if req.Fields == nil {
		return respondError(c, errors.NewValidationError("fields are required"))
	}

	rec, err := h.store.Update(ctx, collection, c.Params("id"), req.Fields)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rec)
}

type archiveRequest struct {
	Archived *bool `json:"archived"`
}

// ArchiveRecord handles POST /v1/collections/:collection/records/:id/archive.
func (h *RecordHandler) ArchiveRecord(c *fiber.Ctx) error {
	ctx, collection, err := h.authorize(c)
	if err != nil {
		return respondError(c, err)
	}

	var req archiveRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, errors.NewValidationError("invalid request body").WithCause(err))
	}
	if req.Archived == nil {
		return respondError(c, errors.NewValidationError("archived is required"))
	}

	rec, err := h.store.Archive(ctx, collection, c.Params("id"), *req.Archived)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rec)
}

// DeleteRecord handles DELETE /v1/collections/:collection/records/:id.
func (h *RecordHandler) DeleteRecord(c *fiber.Ctx) error {
	ctx, collection, err := h.authorize(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := h.store.Delete(ctx, collection, c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// QueryResponse is the body of a non-streaming query.
type QueryResponse struct {
	Mode    model.QueryMode `json:"mode"`
	Record  *model.Record   `json:"record,omitempty"`
	Records []*model.Record `json:"records,omitempty"`
	Count   *int            `json:"count,omitempty"`
}

// QueryRecords handles POST /v1/collections/:collection/query. Stream mode
// answers with newline-delimited JSON read lazily from the store.
func (h *RecordHandler) QueryRecords(c *fiber.Ctx) error {
	ctx, collection, err := h.authorize(c)
	if err != nil {
		return respondError(c, err)
	}

	var req usecase.QueryRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return respondError(c, errors.NewValidationError("invalid request body").WithCause(err))
		}
	}
	filter, err := h.compiler.Compile(req.Filter)
	if err != nil {
		return respondError(c, err)
	}

	res, err := h.store.Query(ctx, model.Query{
		Collection:      collection,
		Filter:          filter,
		Mode:            req.Mode,
		Limit:           req.Limit,
		ExcludeArchived: req.ExcludeArchived,
	})
	if err != nil {
		return respondError(c, err)
	}

	switch res.Mode {
	case model.QueryModeStream:
		c.Set(fiber.HeaderContentType, "application/x-ndjson")
		log := h.log.WithContext(ctx)
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			enc := json.NewEncoder(w)
			n := 0
			for rec, err := range res.Stream {
				if err != nil {
					log.Warn("Query stream aborted", zap.String("collection", collection), zap.Error(err))
					_ = enc.Encode(ErrorResponse{Error: errorBody(err)})
					break
				}
				if err := enc.Encode(rec); err != nil {
					return
				}
				n++
				if n%100 == 0 {
					if err := w.Flush(); err != nil {
						return
					}
				}
			}
			_ = w.Flush()
		})
		return nil
	case model.QueryModeSingle:
		return c.JSON(QueryResponse{Mode: res.Mode, Record: res.Record})
	case model.QueryModeCount:
		count := res.Count
		return c.JSON(QueryResponse{Mode: res.Mode, Count: &count})
	default:
		return c.JSON(QueryResponse{Mode: res.Mode, Records: res.Records})
	}
}
