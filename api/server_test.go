package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/api"
	"github.com/strongroom-io/strongroom/internal/dedup"
	"github.com/strongroom-io/strongroom/internal/partition"
	"github.com/strongroom-io/strongroom/internal/risk"
	"github.com/strongroom-io/strongroom/internal/vault"
)

const testSecret = "api-test-secret"

var (
	adminID       = common.HexToHash("0xad")
	gatewayID     = common.HexToHash("0xaa")
	transportID   = common.HexToHash("0x7a")
	scorerID      = common.HexToHash("0x5c")
	participantID = common.HexToHash("0xa11ce")
	counterpartID = common.HexToHash("0xc0")
	targetID      = common.HexToHash("0x7a37")
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubTransport struct{ calls int }

func (s *stubTransport) Send(_ context.Context, _ uint32, _ common.Hash, _ []byte, _ decimal.Decimal) (string, error) {
	s.calls++
	return fmt.Sprintf("msg-%d", s.calls), nil
}

type stubGate struct{ leader bool }

func (g stubGate) IsLeader() bool { return g.leader }

type apiFixture struct {
	server *api.Server
	vault  *vault.Service
	risk   *risk.Engine
	router *partition.Router
}

func newAPIFixture(t *testing.T, gate api.LeaderGate) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	vaultSvc := vault.NewService(vault.ServiceConfig{
		Admin:       adminID,
		Gateway:     gatewayID,
		PartitionID: 1,
		MinDeposit:  d("10"),
	}, dedup.NewMemorySet(), nil, nil, nil, log)

	riskEng := risk.New(risk.Config{
		Admin:   adminID,
		Scorers: []common.Hash{scorerID},
	}, nil, nil, log)

	router := partition.NewRouter(partition.Config{
		Admin:          adminID,
		Transport:      transportID,
		LocalID:        1,
		WindowDuration: 24 * time.Hour,
		FractionBps:    2_000,
	}, &stubTransport{}, riskEng, vaultSvc, nil, nil, log)

	server := api.NewServer(api.Options{
		JWTSecret:  testSecret,
		Vault:      vaultSvc,
		Risk:       riskEng,
		Partitions: router,
		Gate:       gate,
	}, log)

	return &apiFixture{server: server, vault: vaultSvc, risk: riskEng, router: router}
}

func token(t *testing.T, subject common.Hash) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject.Hex(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *apiFixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Kind
}

func TestPublicRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)

	w := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/vault/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Contains(t, stats, "total_shares")
	assert.Contains(t, stats, "paused")
}

func TestAuthRejections(t *testing.T) {
	f := newAPIFixture(t, nil)
	body := map[string]string{"amount": "100"}

	w := f.do(t, http.MethodPost, "/v1/vault/deposits", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/v1/vault/deposits", "not-a-token", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired := jwt.RegisteredClaims{
		Subject:   participantID.Hex(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte(testSecret))
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/v1/vault/deposits", stale, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   participantID.Hex(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/v1/vault/deposits", wrong, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDepositWithdrawFlow(t *testing.T) {
	f := newAPIFixture(t, nil)
	participant := token(t, participantID)

	w := f.do(t, http.MethodPost, "/v1/vault/deposits", participant, map[string]string{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var receipt vault.DepositReceipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.True(t, receipt.Shares.Equal(d("100")))

	w = f.do(t, http.MethodGet, "/v1/vault/positions/me", participant, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pos struct {
		Shares decimal.Decimal `json:"shares"`
		Value  decimal.Decimal `json:"value"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pos))
	assert.True(t, pos.Shares.Equal(d("100")))
	assert.True(t, pos.Value.Equal(d("100")))

	w = f.do(t, http.MethodPost, "/v1/vault/withdrawals", participant, map[string]string{"shares": "40"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var wr vault.WithdrawReceipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wr))
	assert.True(t, wr.Value.Equal(d("40")))
	assert.True(t, wr.RemainingShares.Equal(d("60")))

	// With a holding period in force, a fresh deposit locks the
	// position again.
	admin := token(t, adminID)
	w = f.do(t, http.MethodPut, "/v1/admin/vault/holding-period", admin, map[string]string{"duration": "1h"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/vault/deposits", participant, map[string]string{"amount": "10"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/vault/withdrawals", participant, map[string]string{"shares": "5"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "precondition", errorKind(t, w))
}

func TestErrorKindMapping(t *testing.T) {
	f := newAPIFixture(t, nil)
	participant := token(t, participantID)

	w := f.do(t, http.MethodPost, "/v1/vault/deposits", participant, map[string]string{"amount": "5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", errorKind(t, w))

	w = f.do(t, http.MethodPost, "/v1/vault/deposits", participant, map[string]string{"amount": "not-a-number"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/admin/vault/pause", participant, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "authorization", errorKind(t, w))

	w = f.do(t, http.MethodGet, "/v1/vault/positions/me", participant, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorKind(t, w))
}

func TestAdminVaultControls(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := token(t, adminID)
	participant := token(t, participantID)
	deposit := map[string]string{"amount": "100"}

	w := f.do(t, http.MethodPost, "/v1/admin/vault/pause", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/vault/deposits", participant, deposit)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/v1/admin/vault/resume", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/admin/vault/breaker/trip", admin, map[string]string{"cause": "drill"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/vault/deposits", participant, deposit)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/v1/vault/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		BreakerActive bool   `json:"breaker_active"`
		BreakerCause  string `json:"breaker_cause"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.True(t, stats.BreakerActive)
	assert.Equal(t, "drill", stats.BreakerCause)

	w = f.do(t, http.MethodPost, "/v1/admin/vault/breaker/reset", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/vault/deposits", participant, deposit)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRiskRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := token(t, adminID)
	scorer := token(t, scorerID)

	w := f.do(t, http.MethodPost, "/v1/admin/risk/targets", admin, map[string]string{"target": targetID.Hex()})
	require.Equal(t, http.StatusOK, w.Code)

	score := map[string]interface{}{"target": targetID.Hex(), "score": 7200, "report_id": "r-1"}
	w = f.do(t, http.MethodPost, "/v1/risk/scores", scorer, score)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Alerted bool `json:"alerted"`
		Tripped bool `json:"tripped"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.True(t, out.Alerted)
	assert.False(t, out.Tripped)

	w = f.do(t, http.MethodPost, "/v1/risk/scores", token(t, participantID), score)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/v1/risk/scores", scorer,
		map[string]interface{}{"target": targetID.Hex(), "score": 12_000, "report_id": "r-2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/risk/scores", scorer,
		map[string]interface{}{"target": common.HexToHash("0xdead").Hex(), "score": 10, "report_id": "r-3"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/risk/targets/"+targetID.Hex(), scorer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var assessment struct {
		Score     int  `json:"score"`
		Monitored bool `json:"monitored"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assessment))
	assert.Equal(t, 7200, assessment.Score)
	assert.True(t, assessment.Monitored)

	w = f.do(t, http.MethodPut, "/v1/admin/risk/thresholds", admin, map[string]int{"alert": 6000, "trip": 8500})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/risk/stats", scorer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rs struct {
		AlertThreshold int `json:"alert_threshold"`
		TripThreshold  int `json:"trip_threshold"`
		Monitored      int `json:"monitored"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rs))
	assert.Equal(t, 6000, rs.AlertThreshold)
	assert.Equal(t, 8500, rs.TripThreshold)
	assert.Equal(t, 1, rs.Monitored)
}

func TestPartitionRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := token(t, adminID)
	transport := token(t, transportID)
	participant := token(t, participantID)

	w := f.do(t, http.MethodPost, "/v1/admin/partitions", admin,
		map[string]interface{}{"id": 2, "counterpart": counterpartID.Hex(), "allocation_bps": 5000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/admin/partitions", admin,
		map[string]interface{}{"id": 1, "counterpart": counterpartID.Hex()})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Fund the vault, surface its value to the budget, then dispatch.
	w = f.do(t, http.MethodPost, "/v1/vault/deposits", participant, map[string]string{"amount": "100"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/admin/partitions/refresh-value", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/admin/transfers", admin,
		map[string]interface{}{"destination": 2, "amount": "15", "beneficiary": counterpartID.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var receipt partition.DispatchReceipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.Equal(t, uint64(1), receipt.Nonce)
	assert.True(t, receipt.WindowLimit.Equal(d("20")))

	// 15 + 10 crosses the 20-unit window budget.
	w = f.do(t, http.MethodPost, "/v1/admin/transfers", admin,
		map[string]interface{}{"destination": 2, "amount": "10", "beneficiary": counterpartID.Hex()})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/v1/partitions/transfers/"+receipt.MessageID, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pt struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pt))
	assert.Equal(t, "created", pt.Status)

	w = f.do(t, http.MethodPost, "/v1/admin/transfers/"+receipt.MessageID+"/complete", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/admin/transfers/"+receipt.MessageID+"/complete", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Inbound receipts ride the transport identity.
	payload := partition.EncodeTransfer(partition.TransferPayload{
		Nonce:       1,
		Amount:      d("5"),
		Beneficiary: participantID,
	})
	inbound := map[string]interface{}{
		"source":  2,
		"sender":  counterpartID.Hex(),
		"payload": base64.StdEncoding.EncodeToString(payload),
	}
	w = f.do(t, http.MethodPost, "/v1/partitions/inbound", transport, inbound)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rr struct {
		Nonce  uint64          `json:"nonce"`
		Amount decimal.Decimal `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rr))
	assert.Equal(t, uint64(1), rr.Nonce)
	assert.True(t, rr.Amount.Equal(d("5")))

	w = f.do(t, http.MethodPost, "/v1/partitions/inbound", participant, inbound)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/v1/partitions/stats", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ps struct {
		Partitions int `json:"partitions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ps))
	assert.Equal(t, 1, ps.Partitions)
}

func TestLeaderGateBlocksWrites(t *testing.T) {
	f := newAPIFixture(t, stubGate{leader: false})
	participant := token(t, participantID)

	w := f.do(t, http.MethodPost, "/v1/vault/deposits", participant, map[string]string{"amount": "100"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodGet, "/v1/vault/stats", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/vault/positions/me", participant, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
