package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/internal/pkg/webhook"
)

const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderTimestamp        = "X-Timestamp"
)

// WebhookHandler is the part of webhook.Processor the controller needs.
type WebhookHandler interface {
	Handle(ctx context.Context, d webhook.Delivery) (*webhook.Result, error)
}

// WebhookController receives provider callbacks. Signature checks happen in
// the processor so that rejected deliveries are stored too.
type WebhookController struct {
	processor WebhookHandler
}

func NewWebhookController(processor WebhookHandler) *WebhookController {
	return &WebhookController{processor: processor}
}

// HandleDepositWebhook handles POST /webhook/deposit
func (wc *WebhookController) HandleDepositWebhook(c *fiber.Ctx) error {
	return wc.handle(c, models.WebhookEventDeposit)
}

// HandleWithdrawalWebhook handles POST /webhook/withdrawal
func (wc *WebhookController) HandleWithdrawalWebhook(c *fiber.Ctx) error {
	return wc.handle(c, models.WebhookEventWithdrawal)
}

func (wc *WebhookController) handle(c *fiber.Ctx, eventType string) error {
	// fasthttp reuses the body buffer after the handler returns
	body := append([]byte(nil), c.Body()...)

	res, err := wc.processor.Handle(c.UserContext(), webhook.Delivery{
		EventType: eventType,
		Body:      body,
		Signature: c.Get(HeaderWebhookSignature),
		Timestamp: c.Get(HeaderTimestamp),
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success":        true,
		"event_id":       res.EventID,
		"transaction_id": res.TransactionID,
		"status":         res.Status,
		"processed":      res.Processed,
		"duplicate":      res.Duplicate,
		"message":        res.Message,
	})
}
