package transfer_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/leafybank/transactor/infra/memory"
	"github.com/leafybank/transactor/pkg/config"
	"github.com/leafybank/transactor/pkg/coordinator"
	"github.com/leafybank/transactor/pkg/currency"
	"github.com/leafybank/transactor/pkg/domain/account"
	"github.com/leafybank/transactor/pkg/eventbus"
	"github.com/leafybank/transactor/pkg/retry"
	transfersvc "github.com/leafybank/transactor/pkg/service/transfer"
	"github.com/leafybank/transactor/webapi"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type testServer struct {
	app    *fiber.App
	ledger *memory.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ledgerStore := memory.NewLedger()
	log := memory.NewTxLog()
	guard := memory.NewGuard(time.Hour)
	intents := memory.NewIntents()
	cfg := coordinator.Config{
		CommitPolicy:      retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		CallTimeout:       time.Second,
		ClaimPollAttempts: 5,
		ClaimPollInterval: time.Millisecond,
		IntentStaleAfter:  50 * time.Millisecond,
	}
	committer := coordinator.NewSagaCommitter(ledgerStore, log, intents, slog.Default())
	coord := coordinator.New(ledgerStore, log, guard, committer, intents, eventbus.NewSimpleEventBus(), cfg, slog.Default())
	svc := transfersvc.NewService(coord, slog.Default())
	app := webapi.SetupApp(svc, config.RateLimitConfig{}, slog.Default())
	return &testServer{app: app, ledger: ledgerStore}
}

func (s *testServer) seedAccount(t *testing.T, balance int64) *account.Account {
	t.Helper()
	acc, err := account.New().
		WithID(uuid.New()).
		WithUserID(uuid.New()).
		WithCurrency(currency.USD).
		WithBalance(balance).
		Build()
	require.NoError(t, err)
	s.ledger.Seed(acc)
	return acc
}

func (s *testServer) request(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := s.app.Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close() //nolint: errcheck
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPostTransfers_Commits(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	src := s.seedAccount(t, 1000)
	dst := s.seedAccount(t, 200)

	body := map[string]any{
		"source_account_id": src.ID.String(),
		"dest_account_id":   dst.ID.String(),
		"amount":            500,
	}
	resp := s.request(t, fiber.MethodPost, "/transfers", "k1", body)
	require.Equal(fiber.StatusCreated, resp.StatusCode)
	payload := decodeBody(t, resp)
	data := payload["data"].(map[string]any)
	require.Equal("COMMITTED", data["status"])
	require.Equal("TRANSFER", data["kind"])
	require.Equal(float64(500), data["amount"])

	// The same key replays the same outcome.
	resp = s.request(t, fiber.MethodPost, "/transfers", "k1", body)
	require.Equal(fiber.StatusCreated, resp.StatusCode)
	replay := decodeBody(t, resp)["data"].(map[string]any)
	require.Equal(data["id"], replay["id"])

	resp = s.request(t, fiber.MethodGet, fmt.Sprintf("/accounts/%s/balance", src.ID), "", nil)
	require.Equal(fiber.StatusOK, resp.StatusCode)
	balance := decodeBody(t, resp)["data"].(map[string]any)
	require.Equal(float64(500), balance["balance"])
}

func TestPostTransfers_KeyFromBody(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	src := s.seedAccount(t, 1000)
	dst := s.seedAccount(t, 0)

	body := map[string]any{
		"idempotency_key":   "body-key",
		"source_account_id": src.ID.String(),
		"dest_account_id":   dst.ID.String(),
		"amount":            100,
	}
	resp := s.request(t, fiber.MethodPost, "/transfers", "", body)
	require.Equal(fiber.StatusCreated, resp.StatusCode)
	resp.Body.Close() //nolint: errcheck
}

func TestPostTransfers_MissingKey(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	src := s.seedAccount(t, 1000)
	dst := s.seedAccount(t, 0)

	body := map[string]any{
		"source_account_id": src.ID.String(),
		"dest_account_id":   dst.ID.String(),
		"amount":            100,
	}
	resp := s.request(t, fiber.MethodPost, "/transfers", "", body)
	require.Equal(fiber.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint: errcheck
}

func TestPostTransfers_ValidationFailure(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	body := map[string]any{
		"source_account_id": "not-a-uuid",
		"dest_account_id":   uuid.NewString(),
		"amount":            100,
	}
	resp := s.request(t, fiber.MethodPost, "/transfers", "k", body)
	require.Equal(fiber.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint: errcheck
}

func TestPostTransfers_InsufficientFunds(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	src := s.seedAccount(t, 100)
	dst := s.seedAccount(t, 0)

	body := map[string]any{
		"source_account_id": src.ID.String(),
		"dest_account_id":   dst.ID.String(),
		"amount":            500,
	}
	resp := s.request(t, fiber.MethodPost, "/transfers", "poor", body)
	require.Equal(fiber.StatusUnprocessableEntity, resp.StatusCode)
	payload := decodeBody(t, resp)
	require.Equal("Transaction not committed", payload["title"])
	// The failed record rides along for inspection.
	rec := payload["errors"].(map[string]any)
	require.Equal("FAILED", rec["status"])
}

func TestPostPayments(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	src := s.seedAccount(t, 1000)
	dst := s.seedAccount(t, 0)

	body := map[string]any{
		"source_account_id": src.ID.String(),
		"dest_account_id":   dst.ID.String(),
		"amount":            250,
		"payment_method":    "debit card",
	}
	resp := s.request(t, fiber.MethodPost, "/payments", "pay-1", body)
	require.Equal(fiber.StatusCreated, resp.StatusCode)
	data := decodeBody(t, resp)["data"].(map[string]any)
	require.Equal("PAYMENT", data["kind"])
	require.Equal("debit card", data["payment_method"])

	// payment_method is mandatory for payments.
	delete(body, "payment_method")
	resp = s.request(t, fiber.MethodPost, "/payments", "pay-2", body)
	require.Equal(fiber.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint: errcheck
}

func TestGetTransaction(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	src := s.seedAccount(t, 1000)
	dst := s.seedAccount(t, 0)

	body := map[string]any{
		"source_account_id": src.ID.String(),
		"dest_account_id":   dst.ID.String(),
		"amount":            100,
	}
	resp := s.request(t, fiber.MethodPost, "/transfers", "lookup", body)
	require.Equal(fiber.StatusCreated, resp.StatusCode)
	id := decodeBody(t, resp)["data"].(map[string]any)["id"].(string)

	resp = s.request(t, fiber.MethodGet, "/transactions/"+id, "", nil)
	require.Equal(fiber.StatusOK, resp.StatusCode)
	data := decodeBody(t, resp)["data"].(map[string]any)
	require.Equal(id, data["id"])

	resp = s.request(t, fiber.MethodGet, "/transactions/"+uuid.NewString(), "", nil)
	require.Equal(fiber.StatusNotFound, resp.StatusCode)
	resp.Body.Close() //nolint: errcheck

	resp = s.request(t, fiber.MethodGet, "/transactions/garbage", "", nil)
	require.Equal(fiber.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint: errcheck
}

func TestListAccountTransactions(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)
	src := s.seedAccount(t, 1000)
	dst := s.seedAccount(t, 0)

	for i := 0; i < 3; i++ {
		body := map[string]any{
			"source_account_id": src.ID.String(),
			"dest_account_id":   dst.ID.String(),
			"amount":            10 + i,
		}
		resp := s.request(t, fiber.MethodPost, "/transfers", fmt.Sprintf("hist-%d", i), body)
		require.Equal(fiber.StatusCreated, resp.StatusCode)
		resp.Body.Close() //nolint: errcheck
	}

	resp := s.request(t, fiber.MethodGet, fmt.Sprintf("/accounts/%s/transactions?limit=2", src.ID), "", nil)
	require.Equal(fiber.StatusOK, resp.StatusCode)
	data := decodeBody(t, resp)["data"].([]any)
	require.Len(data, 2)
}

func TestGetBalance_UnknownAccount(t *testing.T) {
	require := require.New(t)
	s := newTestServer(t)

	resp := s.request(t, fiber.MethodGet, "/accounts/"+uuid.NewString()+"/balance", "", nil)
	require.Equal(fiber.StatusNotFound, resp.StatusCode)
	resp.Body.Close() //nolint: errcheck
}
