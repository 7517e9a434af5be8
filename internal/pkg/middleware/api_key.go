package middleware

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/clientcontext"
)

// ClientIdentify resolves the API key header to a client. Requests without a
// key continue as anonymous so the rate limiter can still count them.
func ClientIdentify(clients repository.APIClientRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			clientcontext.Set(c, clientcontext.ClientContext{})
			return c.Next()
		}

		client, err := clients.GetByAPIKeyHash(c.UserContext(), models.HashAPIKey(apiKey))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.Auth("Invalid API key")
			}
			log.Errorf("[ClientAuth] API key lookup failed: %v", err)
			return apperrors.Persistence(err, "API key verification failed")
		}
		if !client.Active {
			return apperrors.Auth("API client inactive")
		}

		clientcontext.Set(c, clientcontext.ClientContext{
			ClientID:      client.ClientID,
			Name:          client.Name,
			Authenticated: true,
			SigningSecret: client.SigningSecret,
		})
		return c.Next()
	}
}

// RequireClient rejects anonymous callers.
func RequireClient() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !clientcontext.IsAuthenticated(c) {
			return apperrors.Auth("Missing API key")
		}
		return c.Next()
	}
}

// OpsToken guards the operations API. An empty configured token disables it.
func OpsToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return apperrors.Auth("Ops API disabled")
		}
		provided := strings.TrimSpace(c.Get("X-Ops-Token"))
		if provided == "" {
			provided = bearerToken(c)
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			return apperrors.Auth("Invalid ops token")
		}
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	return bearerToken(c)
}

func bearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
