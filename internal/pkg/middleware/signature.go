package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/clientcontext"
	"github.com/ManuelReschke/PayGate/internal/pkg/signature"
)

// VerifySignature checks X-Signature and X-Timestamp against the caller's
// signing secret. It must run after ClientIdentify and RequireClient.
func VerifySignature(codec *signature.Codec) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cc := clientcontext.Get(c)
		if cc.SigningSecret == "" {
			return apperrors.Auth("Client has no signing secret")
		}
		if err := codec.Check(c.Body(), c.Get("X-Signature"), cc.SigningSecret, c.Get("X-Timestamp")); err != nil {
			return apperrors.Signature(err.Error())
		}
		return c.Next()
	}
}
