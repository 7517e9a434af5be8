package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayGate/app/models"
	"github.com/ManuelReschke/PayGate/app/repository"
	"github.com/ManuelReschke/PayGate/internal/pkg/apperrors"
	"github.com/ManuelReschke/PayGate/internal/pkg/events"
	"github.com/ManuelReschke/PayGate/internal/pkg/gateway"
	"github.com/ManuelReschke/PayGate/internal/pkg/limits"
	"github.com/ManuelReschke/PayGate/internal/pkg/txstate"
)

// Gateway is the part of gateway.Client the service needs.
type Gateway interface {
	CreateDeposit(ctx context.Context, req gateway.PaymentRequest) (*gateway.Result, error)
	CreateWithdrawal(ctx context.Context, req gateway.PaymentRequest) (*gateway.Result, error)
	GetTransaction(ctx context.Context, externalTxID, transactionID, paymentMethod string) (*gateway.Result, error)
}

// CreateRequest is a deposit or withdrawal submitted by an API client.
type CreateRequest struct {
	TransactionID string          `json:"transaction_id" validate:"required,max=64,printascii"`
	UserID        uint            `json:"user_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"required,len=3,alpha"`
	PaymentMethod string          `json:"payment_method" validate:"required,max=50"`
	CallbackURL   string          `json:"callback_url,omitempty" validate:"omitempty,url"`

	// ClientID is the authenticated caller, never read from the body.
	ClientID string `json:"-" validate:"max=64"`
}

// Service creates transactions, calls the gateway and records the outcome.
type Service struct {
	transactions repository.TransactionRepository
	accounts     repository.AccountRepository
	gateway      Gateway
	limits       *limits.Table
	statuses     *txstate.StatusMap
	publisher    events.Publisher
	validate     *validator.Validate
	now          func() time.Time
}

func NewService(
	transactions repository.TransactionRepository,
	accounts repository.AccountRepository,
	gw Gateway,
	table *limits.Table,
	statuses *txstate.StatusMap,
	publisher events.Publisher,
) *Service {
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	return &Service{
		transactions: transactions,
		accounts:     accounts,
		gateway:      gw,
		limits:       table,
		statuses:     statuses,
		publisher:    publisher,
		validate:     validator.New(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateDeposit registers a pending deposit and submits it upstream.
func (s *Service) CreateDeposit(ctx context.Context, req CreateRequest) (*models.Transaction, error) {
	return s.create(ctx, models.TransactionTypeDeposit, req)
}

// CreateWithdrawal checks the balance before anything is sent upstream.
func (s *Service) CreateWithdrawal(ctx context.Context, req CreateRequest) (*models.Transaction, error) {
	return s.create(ctx, models.TransactionTypeWithdraw, req)
}

func (s *Service) create(ctx context.Context, txType string, req CreateRequest) (*models.Transaction, error) {
	req.normalize()
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	// A re-submitted transaction_id returns the stored result.
	existing, err := s.transactions.GetByTransactionID(ctx, req.TransactionID)
	switch {
	case err == nil:
		return s.replay(existing, txType, req)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, apperrors.Persistence(err, "load transaction")
	}

	if err := s.checkLimits(ctx, txType, req); err != nil {
		return nil, err
	}
	if txType == models.TransactionTypeWithdraw {
		if err := s.checkBalance(ctx, req); err != nil {
			return nil, err
		}
	}

	requestPayload, _ := json.Marshal(req)
	tx := &models.Transaction{
		TransactionID:  req.TransactionID,
		ClientID:       req.ClientID,
		UserID:         req.UserID,
		Type:           txType,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
		Status:         models.TransactionStatusPending,
		RequestPayload: datatypes.JSON(requestPayload),
	}
	created, stored, err := s.transactions.CreateIfNotExists(ctx, tx)
	if err != nil {
		return nil, apperrors.Persistence(err, "create transaction")
	}
	if !created {
		return s.replay(stored, txType, req)
	}
	log.Infof("[PaymentService] Created %s %s (%s %s via %s)", txType, stored.TransactionID, stored.Amount.StringFixed(2), stored.Currency, stored.PaymentMethod)

	return s.submit(ctx, stored, req)
}

func (s *Service) submit(ctx context.Context, tx *models.Transaction, req CreateRequest) (*models.Transaction, error) {
	call := s.gateway.CreateDeposit
	if tx.Type == models.TransactionTypeWithdraw {
		call = s.gateway.CreateWithdrawal
	}

	result, err := call(ctx, gateway.PaymentRequest{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		PaymentMethod: tx.PaymentMethod,
		CallbackURL:   req.CallbackURL,
	})
	if err != nil {
		s.fail(ctx, tx.TransactionID, err.Error(), events.SourceGateway)
		return nil, err
	}

	externalID := result.Transaction.ExternalID()
	if externalID == "" {
		msg := "gateway acknowledged without a transaction id"
		s.fail(ctx, tx.TransactionID, msg, events.SourceGateway)
		return nil, apperrors.Gateway(nil, msg, 200, false)
	}

	res, err := s.transactions.MarkProcessing(ctx, tx.TransactionID, externalID, result.Transaction.Status, datatypes.JSON(result.Raw))
	if err != nil && !errors.Is(err, txstate.ErrTerminalState) {
		return nil, apperrors.Persistence(err, "mark transaction processing")
	}
	s.notify(ctx, res, events.SourceGateway)

	// Some methods settle synchronously.
	if target, ok := s.statuses.ToInternal(result.Transaction.Status); ok && target.IsTerminal() {
		res, err = s.transactions.Transition(ctx, tx.TransactionID, target, repository.TransitionPatch{
			ProviderStatus: result.Transaction.Status,
			ErrorMessage:   result.Transaction.ErrorMessage,
		})
		if err != nil && !errors.Is(err, txstate.ErrTerminalState) {
			return nil, apperrors.Persistence(err, "finalize transaction")
		}
		s.notify(ctx, res, events.SourceGateway)
	}

	return s.reload(ctx, tx.TransactionID)
}

// fail marks the transaction failed after the gateway gave up. The write
// must land even when the request context is gone, so nothing stays pending.
func (s *Service) fail(ctx context.Context, transactionID, message string, source string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	res, err := s.transactions.Transition(writeCtx, transactionID, models.TransactionStatusFailed, repository.TransitionPatch{
		ErrorMessage: message,
	})
	if err != nil {
		if !errors.Is(err, txstate.ErrTerminalState) {
			log.Errorf("[PaymentService] Failed to mark %s failed: %v", transactionID, err)
		}
		return
	}
	log.Warnf("[PaymentService] Transaction %s failed: %s", transactionID, message)
	s.notify(writeCtx, res, source)
}

// PollStatus asks the provider for the current status and applies it.
func (s *Service) PollStatus(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := s.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() || tx.ExternalTxID == "" {
		return tx, nil
	}

	result, err := s.gateway.GetTransaction(ctx, tx.ExternalTxID, tx.TransactionID, tx.PaymentMethod)
	if err != nil {
		return nil, err
	}

	target, ok := s.statuses.ToInternal(result.Transaction.Status)
	if !ok {
		log.Warnf("[PaymentService] Poll of %s returned unmapped provider status %q, needs manual reconciliation", transactionID, result.Transaction.Status)
		return tx, nil
	}

	res, err := s.transactions.Transition(ctx, transactionID, target, repository.TransitionPatch{
		ProviderStatus:  result.Transaction.Status,
		ResponsePayload: datatypes.JSON(result.Raw),
		ErrorMessage:    result.Transaction.ErrorMessage,
	})
	if err != nil && !errors.Is(err, txstate.ErrTerminalState) {
		return nil, apperrors.Persistence(err, "apply polled status")
	}
	s.notify(ctx, res, events.SourcePoll)

	return s.reload(ctx, transactionID)
}

// GetForClient returns a transaction created by clientID. Transactions of
// other clients are reported as not found.
func (s *Service) GetForClient(ctx context.Context, clientID, transactionID string) (*models.Transaction, error) {
	tx, err := s.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.ClientID != clientID {
		return nil, apperrors.NotFound(fmt.Sprintf("transaction %s not found", transactionID))
	}
	return tx, nil
}

// PollForClient is PollStatus limited to transactions created by clientID.
func (s *Service) PollForClient(ctx context.Context, clientID, transactionID string) (*models.Transaction, error) {
	tx, err := s.GetForClient(ctx, clientID, transactionID)
	if err != nil {
		return nil, err
	}
	return s.PollStatus(ctx, tx.TransactionID)
}

// Get returns a stored transaction.
func (s *Service) Get(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, err := s.transactions.GetByTransactionID(ctx, strings.TrimSpace(transactionID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(fmt.Sprintf("transaction %s not found", transactionID))
	}
	if err != nil {
		return nil, apperrors.Persistence(err, "load transaction")
	}
	return tx, nil
}

func (s *Service) reload(ctx context.Context, transactionID string) (*models.Transaction, error) {
	return s.Get(ctx, transactionID)
}

func (s *Service) notify(ctx context.Context, res *repository.TransitionResult, source string) {
	if !res.Changed() {
		return
	}
	events.Notify(ctx, s.publisher, events.NewStatusChange(res.Transaction, res.Decision.From, source))
}

func (s *Service) validateRequest(req CreateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return apperrors.Validation("invalid fields: "+strings.Join(fields, ", "), map[string]any{"fields": fields})
		}
		return apperrors.Validation(err.Error(), nil)
	}
	if !req.Amount.IsPositive() {
		return apperrors.Validation("amount must be positive", map[string]any{"fields": []string{"Amount"}})
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return apperrors.Validation("amount has more than two decimal places", nil)
	}
	return nil
}

func (s *Service) checkLimits(ctx context.Context, txType string, req CreateRequest) error {
	lookup := s.limits.Deposit
	if txType == models.TransactionTypeWithdraw {
		lookup = s.limits.Withdraw
	}
	limit, ok := lookup(req.PaymentMethod)
	if !ok {
		return apperrors.Validation(fmt.Sprintf("unsupported payment method %q", req.PaymentMethod), nil)
	}

	if req.Amount.LessThan(limit.Min) {
		return apperrors.Validation(fmt.Sprintf("amount below minimum %s", limit.Min.StringFixed(2)),
			map[string]any{"min": limit.Min.StringFixed(2)})
	}
	if limit.Max.IsPositive() && req.Amount.GreaterThan(limit.Max) {
		return apperrors.Validation(fmt.Sprintf("amount above maximum %s", limit.Max.StringFixed(2)),
			map[string]any{"max": limit.Max.StringFixed(2)})
	}

	now := s.now()
	if limit.HasDailyCap() {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if err := s.checkCap(ctx, txType, req, dayStart, limit.Daily, "daily"); err != nil {
			return err
		}
	}
	if limit.HasMonthlyCap() {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		if err := s.checkCap(ctx, txType, req, monthStart, limit.Monthly, "monthly"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkCap(ctx context.Context, txType string, req CreateRequest, since time.Time, limitAmount decimal.Decimal, period string) error {
	used, err := s.transactions.SumAmountSince(ctx, req.UserID, txType, req.PaymentMethod, since)
	if err != nil {
		return apperrors.Persistence(err, "sum "+period+" volume")
	}
	if used.Add(req.Amount).GreaterThan(limitAmount) {
		return apperrors.Validation(fmt.Sprintf("%s limit of %s exceeded", period, limitAmount.StringFixed(2)),
			map[string]any{"period": period, "limit": limitAmount.StringFixed(2), "used": used.StringFixed(2)})
	}
	return nil
}

func (s *Service) checkBalance(ctx context.Context, req CreateRequest) error {
	account, err := s.accounts.GetByUserID(ctx, req.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(fmt.Sprintf("account for user %d not found", req.UserID))
	}
	if err != nil {
		return apperrors.Persistence(err, "load account")
	}
	if !strings.EqualFold(account.Currency, req.Currency) {
		return apperrors.Validation(fmt.Sprintf("account currency is %s", account.Currency), nil)
	}
	if req.Amount.GreaterThan(account.Balance) {
		return apperrors.Validation("insufficient balance",
			map[string]any{"balance": account.Balance.StringFixed(2), "amount": req.Amount.StringFixed(2)})
	}
	return nil
}

// replay answers a re-submitted transaction_id without another upstream call.
func (s *Service) replay(stored *models.Transaction, txType string, req CreateRequest) (*models.Transaction, error) {
	same := stored.ClientID == req.ClientID &&
		stored.Type == txType &&
		stored.UserID == req.UserID &&
		stored.Amount.Equal(req.Amount) &&
		strings.EqualFold(stored.Currency, req.Currency) &&
		strings.EqualFold(stored.PaymentMethod, req.PaymentMethod)
	if !same {
		return nil, apperrors.Validation("transaction_id already used with a different payload",
			map[string]any{"transaction_id": req.TransactionID})
	}
	log.Debugf("[PaymentService] Replayed %s (status %s)", stored.TransactionID, stored.Status)
	return stored, nil
}

func (r *CreateRequest) normalize() {
	r.TransactionID = strings.TrimSpace(r.TransactionID)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.PaymentMethod = strings.ToLower(strings.TrimSpace(r.PaymentMethod))
}

// Abandon fails a transaction that never got a provider acknowledgement,
// e.g. because the process stopped between creating and submitting it.
func (s *Service) Abandon(ctx context.Context, transactionID, reason string) (*models.Transaction, error) {
	tx, err := s.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.TransactionStatusPending || tx.ExternalTxID != "" {
		return tx, nil
	}
	s.fail(ctx, transactionID, reason, events.SourcePoll)
	return s.reload(ctx, transactionID)
}
