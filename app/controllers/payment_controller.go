package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/clientcontext"
	"github.com/ManuelReschke/PayGate/internal/pkg/payment"
)

// PaymentService is the part of payment.Service the API exposes.
type PaymentService interface {
	CreateDeposit(ctx context.Context, req payment.CreateRequest) (*models.Transaction, error)
	CreateWithdrawal(ctx context.Context, req payment.CreateRequest) (*models.Transaction, error)
	PollForClient(ctx context.Context, clientID, transactionID string) (*models.Transaction, error)
	GetForClient(ctx context.Context, clientID, transactionID string) (*models.Transaction, error)
}

// PaymentController serves the client facing transaction API.
type PaymentController struct {
	service PaymentService
}

func NewPaymentController(service PaymentService) *PaymentController {
	return &PaymentController{service: service}
}

// HandleCreateDeposit handles POST /api/v1/deposits
func (pc *PaymentController) HandleCreateDeposit(c *fiber.Ctx) error {
	return pc.create(c, pc.service.CreateDeposit)
}

// HandleCreateWithdrawal handles POST /api/v1/withdrawals
func (pc *PaymentController) HandleCreateWithdrawal(c *fiber.Ctx) error {
	return pc.create(c, pc.service.CreateWithdrawal)
}

func (pc *PaymentController) create(c *fiber.Ctx, fn func(context.Context, payment.CreateRequest) (*models.Transaction, error)) error {
	var req payment.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.Validation("Request body is not valid JSON", map[string]any{"error": err.Error()})
	}
	req.ClientID = clientcontext.ClientID(c)

	tx, err := fn(c.UserContext(), req)
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if tx.Status.IsTerminal() {
		status = fiber.StatusOK
	}
	return ok(c, status, tx)
}

// HandleGetTransaction handles GET /api/v1/transactions/:id
func (pc *PaymentController) HandleGetTransaction(c *fiber.Ctx) error {
	tx, err := pc.service.GetForClient(c.UserContext(), clientcontext.ClientID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, fiber.StatusOK, tx)
}

// HandlePollTransaction handles POST /api/v1/transactions/:id/poll
func (pc *PaymentController) HandlePollTransaction(c *fiber.Ctx) error {
	tx, err := pc.service.PollForClient(c.UserContext(), clientcontext.ClientID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return ok(c, fiber.StatusOK, tx)
}
