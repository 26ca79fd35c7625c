// Package transfer exposes the transfer, payment, transaction and balance
// endpoints.
package transfer

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain"
	transfersvc "github.com/leafybank/transactor/pkg/service/transfer"
	"github.com/leafybank/transactor/webapi/common"
)

// HeaderIdempotencyKey carries the client's idempotency key; it takes
// precedence over the body field.
const HeaderIdempotencyKey = "Idempotency-Key"

// Routes registers the transaction endpoints.
//
// Routes:
//   - POST   /transfers                  : Submit an account-to-account transfer.
//   - POST   /payments                   : Submit a digital payment.
//   - GET    /transactions/:id           : Look up a logged transaction.
//   - GET    /accounts/:id/balance       : Read an account balance.
//   - GET    /accounts/:id/transactions  : List an account's transaction history.
func Routes(app *fiber.App, svc *transfersvc.Service, logger *slog.Logger) {
	app.Post("/transfers", SubmitTransfer(svc, logger))
	app.Post("/payments", SubmitPayment(svc, logger))
	app.Get("/transactions/:id", GetTransaction(svc, logger))
	app.Get("/accounts/:id/balance", GetBalance(svc, logger))
	app.Get("/accounts/:id/transactions", ListTransactions(svc, logger))
}

// SubmitTransfer returns the POST /transfers handler. A committed transfer
// answers 201; a replayed duplicate answers with the original outcome.
func SubmitTransfer(svc *transfersvc.Service, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		input, err := common.BindAndValidate[SubmitTransferRequest](c)
		if input == nil {
			return err // error response already written
		}
		req, ok := buildRequest(c, input.IdempotencyKey, input.SourceID, input.DestID, input.Amount, input.Currency, input.Description)
		if !ok {
			return nil
		}
		res, err := svc.SubmitTransfer(c.UserContext(), req)
		return respond(c, logger, "Transfer committed", res, err)
	}
}

// SubmitPayment returns the POST /payments handler.
func SubmitPayment(svc *transfersvc.Service, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		input, err := common.BindAndValidate[SubmitPaymentRequest](c)
		if input == nil {
			return err // error response already written
		}
		req, ok := buildRequest(c, input.IdempotencyKey, input.SourceID, input.DestID, input.Amount, input.Currency, input.Description)
		if !ok {
			return nil
		}
		req.PaymentMethod = input.PaymentMethod
		res, err := svc.SubmitPayment(c.UserContext(), req)
		return respond(c, logger, "Payment committed", res, err)
	}
}

// GetTransaction returns the GET /transactions/:id handler.
func GetTransaction(svc *transfersvc.Service, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return common.ErrorResponseJSON(c, fiber.StatusBadRequest, "Invalid transaction ID", "transaction ID must be a valid UUID")
		}
		res, err := svc.GetTransaction(c.UserContext(), id)
		if err != nil {
			logger.Warn("transaction lookup failed", "tx_id", id, "error", err)
			return common.ErrorResponseJSON(c, common.ErrorToStatusCode(err), "Transaction lookup failed", err.Error())
		}
		return common.SuccessResponseJSON(c, fiber.StatusOK, "Transaction found", res)
	}
}

// GetBalance returns the GET /accounts/:id/balance handler.
func GetBalance(svc *transfersvc.Service, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return common.ErrorResponseJSON(c, fiber.StatusBadRequest, "Invalid account ID", "account ID must be a valid UUID")
		}
		res, err := svc.GetAccountBalance(c.UserContext(), id)
		if err != nil {
			logger.Warn("balance lookup failed", "account_id", id, "error", err)
			return common.ErrorResponseJSON(c, common.ErrorToStatusCode(err), "Balance lookup failed", err.Error())
		}
		return common.SuccessResponseJSON(c, fiber.StatusOK, "Balance retrieved", res)
	}
}

// ListTransactions returns the GET /accounts/:id/transactions handler.
func ListTransactions(svc *transfersvc.Service, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return common.ErrorResponseJSON(c, fiber.StatusBadRequest, "Invalid account ID", "account ID must be a valid UUID")
		}
		limit := c.QueryInt("limit", 50)
		res, err := svc.ListAccountTransactions(c.UserContext(), id, limit)
		if err != nil {
			logger.Warn("transaction listing failed", "account_id", id, "error", err)
			return common.ErrorResponseJSON(c, common.ErrorToStatusCode(err), "Transaction listing failed", err.Error())
		}
		return common.SuccessResponseJSON(c, fiber.StatusOK, "Transactions retrieved", res)
	}
}

// buildRequest assembles the service request, resolving the idempotency key
// from the header or body. A missing key writes the error response itself.
func buildRequest(c *fiber.Ctx, bodyKey, srcID, dstID string, amount int64, code, description string) (transfersvc.SubmitRequest, bool) {
	key := c.Get(HeaderIdempotencyKey)
	if key == "" {
		key = bodyKey
	}
	if key == "" {
		common.ErrorResponseJSON(c, fiber.StatusBadRequest, "Missing idempotency key", //nolint: errcheck
			"provide an Idempotency-Key header or idempotency_key body field")
		return transfersvc.SubmitRequest{}, false
	}
	curr := currency.DefaultCode
	if code != "" {
		curr = currency.Code(code)
	}
	// UUID format was already validated; parse errors cannot happen here.
	src, _ := uuid.Parse(srcID)
	dst, _ := uuid.Parse(dstID)
	return transfersvc.SubmitRequest{
		IdempotencyKey: key,
		SourceID:       src,
		DestID:         dst,
		Amount:         amount,
		Currency:       curr,
		Description:    description,
	}, true
}

// respond maps a submission outcome to its HTTP shape. A non-nil result with
// a non-nil error is a definitively rejected transaction; the record is
// included so clients can inspect it.
func respond(c *fiber.Ctx, logger *slog.Logger, message string, res *transfersvc.TransactionResult, err error) error {
	if err == nil {
		return common.SuccessResponseJSON(c, fiber.StatusCreated, message, res)
	}
	if errors.Is(err, domain.ErrInProgress) {
		return common.SuccessResponseJSON(c, fiber.StatusAccepted, "Request is being processed, retry later", nil)
	}
	status := common.ErrorToStatusCode(err)
	logger.Warn("submission not committed", "status", status, "error", err)
	if res != nil {
		c.Set(fiber.HeaderContentType, "application/problem+json")
		return c.Status(status).JSON(common.ProblemDetails{
			Type:     "about:blank",
			Title:    "Transaction not committed",
			Status:   status,
			Detail:   err.Error(),
			Instance: c.OriginalURL(),
			Errors:   res,
		})
	}
	return common.ErrorResponseJSON(c, status, "Transaction not committed", err.Error())
}
