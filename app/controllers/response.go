package controllers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
)

// ErrorHandler renders every error as {success:false, error, code}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	status, code, message := normalize(err)

	if status >= fiber.StatusInternalServerError {
		log.Errorf("[HTTP] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	if status == fiber.StatusTooManyRequests && c.GetRespHeader(fiber.HeaderRetryAfter) == "" {
		if rich, ok := apperrors.As(err); ok {
			if seconds, ok := rich.Metadata["retry_after"]; ok {
				c.Set(fiber.HeaderRetryAfter, fmt.Sprint(seconds))
			}
		}
	}

	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

func normalize(err error) (int, string, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		switch {
		case fe.Code == fiber.StatusNotFound:
			return fe.Code, apperrors.CodeNotFound, fe.Message
		case fe.Code == fiber.StatusTooManyRequests:
			return fe.Code, apperrors.CodeRateLimited, fe.Message
		case fe.Code < fiber.StatusInternalServerError:
			return fe.Code, apperrors.CodeValidation, fe.Message
		default:
			return fe.Code, apperrors.CodeInternal, "An unexpected error occurred"
		}
	}
	return apperrors.Normalize(err)
}

func ok(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}
