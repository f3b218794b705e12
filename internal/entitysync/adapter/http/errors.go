package http

import (
	"scout-sync/internal/entitysync/domain/model"
	"scout-sync/internal/shared/errors"

	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Error *model.ErrorBody `json:"error"`
}

// errorBody converts err into the wire error. Errors that are not AppErrors
// are reported as internal without their message.
func errorBody(err error) *model.ErrorBody {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		return &model.ErrorBody{Type: string(errors.ErrorTypeInternal), Message: "internal server error"}
	}
	return &model.ErrorBody{
		Type:    string(appErr.Type),
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(errors.HTTPStatus(err)).JSON(ErrorResponse{Error: errorBody(err)})
}

// ErrorHandler is the fiber error handler of the API. fiber.Errors keep their
// status; everything else goes through the AppError mapping.
func ErrorHandler(c *fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return c.Status(fe.Code).JSON(ErrorResponse{Error: &model.ErrorBody{
			Type:    string(errors.ErrorTypeValidation),
			Message: fe.Message,
		}})
	}
	return respondError(c, err)
}
