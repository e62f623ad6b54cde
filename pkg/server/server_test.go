package server

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpal/paymentscheduler/pkg/credentials"
	"github.com/blockpal/paymentscheduler/pkg/ledger"
	"github.com/blockpal/paymentscheduler/pkg/ledger/ledgertest"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/pricefeed"
	"github.com/blockpal/paymentscheduler/pkg/retry"
	"github.com/blockpal/paymentscheduler/pkg/scheduler"
	"github.com/blockpal/paymentscheduler/pkg/selector"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

const (
	testChain = 1
	apiKey    = "secret"
)

var recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fixture struct {
	handler http.Handler
	signer  *bind.TransactOpts
	fake    *ledgertest.Fake
	clock   *time.Time
}

func setup(t *testing.T) *fixture {
	key, signer := ledgertest.NewSigner(t, testChain)
	fake := ledgertest.New(testChain)
	fake.SetNative(signer.From, big1e19())
	ledgers := ledger.NewRegistry(fake)

	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	fake.WithClock(func() time.Time { return clock })
	svc := scheduler.NewService(scheduler.Dependencies{
		Store:       store.NewMemoryStore(),
		Ledgers:     ledgers,
		Credentials: credentials.NewStaticProvider(key),
		Prices:      pricefeed.Static{"ethereum": 2000},
	}, scheduler.Options{
		WorkerID:         "api-test",
		WorkerCount:      1,
		SelectLimit:      10,
		PollSchedule:     "@every 1s",
		LeaseTTL:         5 * time.Minute,
		ExecutionTimeout: 30 * time.Second,
		ReceiptTimeout:   time.Second,
		Chains:           []int{testChain},
		Selector: selector.Options{
			LeaseTTL:             5 * time.Minute,
			MinExecutionInterval: time.Minute,
			SettleWindow:         2 * time.Second,
		},
		Retry:   retry.DefaultOptions(),
		Breaker: scheduler.BreakerOptions{Enabled: true, Threshold: 3, Window: time.Minute, Reset: time.Hour},
	}, &logger.EmptyLogger{})
	svc.WithClock(func() time.Time { return clock })

	srv := NewServer("0", svc, ledgers, []int{testChain}, apiKey, &logger.EmptyLogger{})
	return &fixture{handler: srv.Router(), signer: signer, fake: fake, clock: &clock}
}

func big1e19() *big.Int {
	return new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000))
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T) models.ScheduledPayment {
	start := f.clock.Add(-time.Hour)
	rec := f.do(t, http.MethodPost, "/schedules", scheduler.CreateRequest{
		ChainID:       testChain,
		SourceAddress: f.signer.From.Hex(),
		Recipient:     recipient.Hex(),
		Token:         "ETH",
		Amount:        "0.25",
		Frequency:     "daily",
		StartAt:       &start,
		MaxExecutions: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p models.ScheduledPayment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	return p
}

func TestHealthAndReady(t *testing.T) {
	f := setup(t)
	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAuth(t *testing.T) {
	f := setup(t)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + apiKey, http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + apiKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCreateTriggerAndInspect(t *testing.T) {
	f := setup(t)
	p := f.create(t)
	assert.Equal(t, models.StatusActive, p.Status)

	*f.clock = f.clock.Add(10 * time.Second)
	rec := f.do(t, http.MethodPost, "/trigger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary scheduler.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	assert.Equal(t, 1, summary.Selected)
	assert.Equal(t, 1, summary.Results[scheduler.ResultCompleted])
	assert.Len(t, f.fake.Sent(), 1)

	rec = f.do(t, http.MethodGet, "/schedules/"+p.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.ScheduledPayment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 1, got.ExecutedCount)

	rec = f.do(t, http.MethodGet, "/schedules/"+p.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []models.ExecutionRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, f.fake.Sent()[0].Hash.Hex(), recs[0].TxHash)

	rec = f.do(t, http.MethodPost, "/schedules/"+p.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/schedules/"+p.ID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats scheduler.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Cancelled)
	assert.Zero(t, stats.Active)
}

func TestCreateValidation(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodPost, "/schedules", scheduler.CreateRequest{
		ChainID:   testChain,
		Recipient: "bad",
		Token:     "ETH",
		Amount:    "-1",
		Frequency: "once",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "validation", body.Kind)
	assert.Len(t, body.Problems, 3)

	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+apiKey)
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestNotFound(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/schedules/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/schedules/missing/executions", nil).Code)
}

func TestBatchNotConfigured(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodPost, "/batch/preview", map[string]interface{}{"chain_id": testChain})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCircuit(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/circuit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"1"`)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/circuit/reset", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/circuit/reset?chain=eth", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/circuit/reset?chain=5", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/circuit/reset?chain=1", nil).Code)

	rec = f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ETHEREUM")
	assert.Contains(t, rec.Body.String(), `"circuit":"closed"`)
}

func TestMetrics(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
