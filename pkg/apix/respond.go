// Package apix renders the uniform response envelope:
//
//	{success, data?, error?{code,message,details?}, meta{requestId, timestamp}}
package apix

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/logx"
)

// Envelope is the wire shape of every response.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Meta    Meta        `json:"meta"`
}

type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type Meta struct {
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

func meta(c *fiber.Ctx) Meta {
	return Meta{
		RequestID: requestIDFromContext(c),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// requestIDFromContext reads the request ID stashed by the fiber requestid
// middleware, which stores it under the "requestid" locals key.
func requestIDFromContext(c *fiber.Ctx) string {
	id, _ := c.Locals("requestid").(string)
	return id
}

// Success writes a 200 envelope with data.
func Success(c *fiber.Ctx, data interface{}) error {
	return SuccessStatus(c, fiber.StatusOK, data)
}

// SuccessStatus writes a success envelope with an explicit status.
func SuccessStatus(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(Envelope{
		Success: true,
		Data:    data,
		Meta:    meta(c),
	})
}

// Error writes an error envelope. errx errors carry their own status and
// code; anything else becomes a 500 INTERNAL_ERROR without leaking the cause.
func Error(c *fiber.Ctx, err error) error {
	var coded *errx.Error
	if errx.As(err, &coded) {
		if coded.HTTPStatus >= 500 {
			logx.WithError(err).
				WithField("request_id", requestIDFromContext(c)).
				Error("request failed")
		}
		return c.Status(coded.HTTPStatus).JSON(Envelope{
			Success: false,
			Error: &ErrorBody{
				Code:    coded.Code,
				Message: coded.Message,
				Details: coded.Details,
			},
			Meta: meta(c),
		})
	}

	logx.WithError(err).
		WithField("request_id", requestIDFromContext(c)).
		Error("unhandled error")

	return c.Status(fiber.StatusInternalServerError).JSON(Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    "INTERNAL_ERROR",
			Message: "internal server error",
		},
		Meta: meta(c),
	})
}

// ErrorHandler is the app-level Fiber error handler.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errx.As(err, &fiberErr) {
		code := "INTERNAL_ERROR"
		switch fiberErr.Code {
		case fiber.StatusNotFound:
			code = "NOT_FOUND"
		case fiber.StatusMethodNotAllowed, fiber.StatusBadRequest:
			code = "VALIDATION_ERROR"
		case fiber.StatusForbidden:
			code = "FORBIDDEN"
		}
		return c.Status(fiberErr.Code).JSON(Envelope{
			Success: false,
			Error:   &ErrorBody{Code: code, Message: fiberErr.Message},
			Meta:    meta(c),
		})
	}
	return Error(c, err)
}
