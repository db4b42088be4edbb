package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"dexcrow/core"
	"dexcrow/core/types"
	"dexcrow/crypto"
	"dexcrow/native/bank"
	nativecommon "dexcrow/native/common"
	"dexcrow/storage"
)

const testSecret = "test-secret"

type testEnv struct {
	ledger  *core.Ledger
	handler http.Handler
	buyer   *crypto.PrivateKey
	seller  *crypto.PrivateKey
	nonce   uint64
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	owner, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	buyer, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	seller, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	ledger, err := core.NewLedger(storage.NewMemDB(), core.Genesis{
		ChainID:                   7,
		Owner:                     owner.Address(),
		FeeRecipient:              owner.Address(),
		CreationFee:               big.NewInt(10),
		PlatformFeeBps:            50,
		ArbiterFeeBps:             100,
		DefaultDisputeWindowHours: 72,
		Allocations: []core.Allocation{
			{Asset: bank.NativeAsset, Address: buyer.Address(), Amount: big.NewInt(1_000_000)},
		},
	}, core.WithClock(func() int64 { return 1_700_000_000 }))
	require.NoError(t, err)
	srv, err := NewServer(ledger, cfg, nil)
	require.NoError(t, err)
	return &testEnv{ledger: ledger, handler: srv.Handler(), buyer: buyer, seller: seller}
}

func (e *testEnv) signedCreate(t *testing.T, value int64) *types.Transaction {
	t.Helper()
	params, err := json.Marshal(map[string]interface{}{
		"buyer":              e.buyer.Address(),
		"seller":             e.seller.Address(),
		"amount":             1_000,
		"deadline":           1_700_000_000 + 86_400,
		"disputeWindowHours": 24,
		"fundNow":            true,
	})
	require.NoError(t, err)
	tx := &types.Transaction{ChainID: 7, Nonce: e.nonce, Method: "escrow_create", Value: big.NewInt(value), Params: params}
	require.NoError(t, tx.Sign(e.buyer))
	e.nonce++
	return tx
}

func (e *testEnv) call(t *testing.T, method string, params []interface{}, header http.Header) (int, RPCResponse, http.Header) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		enc, err := json.Marshal(p)
		require.NoError(t, err)
		raw = append(raw, enc)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: raw, ID: 1})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp, rec.Header()
}

func token(t *testing.T, scope string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "dexcrow-ops",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestHealthzAndRequestID(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSendTransactionAppliesAndRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t, Config{})
	tx := env.signedCreate(t, 1_010)

	status, resp, _ := env.call(t, "dexcrow_sendTransaction", []interface{}{tx}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	receipt := resp.Result.(map[string]interface{})
	require.Equal(t, types.ReceiptSuccess, receipt["status"])

	status, resp, _ = env.call(t, "dexcrow_sendTransaction", []interface{}{tx}, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeDuplicateTx, resp.Error.Code)

	status, resp, _ = env.call(t, "dexcrow_getNonce", []interface{}{env.buyer.Address().Hex()}, nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, resp.Result)
}

func TestFailedCallReportsKindAndReceipt(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, resp, _ := env.call(t, "dexcrow_sendTransaction", []interface{}{env.signedCreate(t, 5)}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, codeCallFailed, resp.Error.Code)
	data := resp.Error.Data.(map[string]interface{})
	require.Equal(t, "economic", data["kind"])
	require.Equal(t, false, data["retryable"])
	require.NotNil(t, data["receipt"])

	// nonce consumed by the failed call
	require.Equal(t, uint64(1), env.ledger.Nonce(env.buyer.Address()))

	stale := env.signedCreate(t, 1_010)
	stale.Nonce = 0
	require.NoError(t, stale.Sign(env.buyer))
	status, resp, _ = env.call(t, "dexcrow_sendTransaction", []interface{}{stale}, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Nil(t, resp.Error.Data.(map[string]interface{})["receipt"])
}

func TestSendTransactionRequiresScopedToken(t *testing.T) {
	env := newTestEnv(t, Config{Auth: AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "dexcrow-ops"}})
	tx := env.signedCreate(t, 1_010)

	status, resp, _ := env.call(t, "dexcrow_sendTransaction", []interface{}{tx}, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	status, _, _ = env.call(t, "dexcrow_sendTransaction", []interface{}{tx}, http.Header{"Authorization": {"Bearer " + token(t, "read")}})
	require.Equal(t, http.StatusUnauthorized, status)

	status, resp, _ = env.call(t, "dexcrow_sendTransaction", []interface{}{tx}, http.Header{"Authorization": {"Bearer " + token(t, "read "+ScopeSubmit)}})
	require.Equal(t, http.StatusOK, status, "%+v", resp.Error)

	// reads stay anonymous
	status, _, _ = env.call(t, "dexcrow_getStats", nil, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestSendTransactionRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: RateLimit{RequestsPerMinute: 1, Burst: 1}})
	status, _, _ := env.call(t, "dexcrow_sendTransaction", []interface{}{env.signedCreate(t, 1_010)}, nil)
	require.Equal(t, http.StatusOK, status)
	status, resp, _ := env.call(t, "dexcrow_sendTransaction", []interface{}{env.signedCreate(t, 1_010)}, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, codeRateLimited, resp.Error.Code)
}

func TestReadMethods(t *testing.T) {
	env := newTestEnv(t, Config{})
	status, resp, _ := env.call(t, "dexcrow_sendTransaction", []interface{}{env.signedCreate(t, 1_010)}, nil)
	require.Equal(t, http.StatusOK, status)
	result := resp.Result.(map[string]interface{})["result"].(map[string]interface{})
	id := result["ID"].(string)

	status, resp, _ = env.call(t, "dexcrow_getEscrow", []interface{}{id}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, id, resp.Result.(map[string]interface{})["ID"])

	status, resp, _ = env.call(t, "dexcrow_getEscrow", []interface{}{common.Hash{1}.Hex()}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation", resp.Error.Data.(map[string]interface{})["kind"])

	status, resp, _ = env.call(t, "dexcrow_getEscrow", []interface{}{"0x12"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	status, resp, _ = env.call(t, "dexcrow_listEscrows", []interface{}{env.seller.Address().Hex()}, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Result, 1)

	status, resp, _ = env.call(t, "dexcrow_getBalance", []interface{}{env.buyer.Address().Hex()}, nil)
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1_000_000-1_010, resp.Result)

	status, resp, _ = env.call(t, "dexcrow_teleport", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestStatusForError(t *testing.T) {
	require.Equal(t, http.StatusOK, statusForError(nil))
	require.Equal(t, http.StatusBadRequest, statusForError(core.ErrUnknownMethod))
	require.Equal(t, http.StatusConflict, statusForError(core.ErrBadNonce))
	require.Equal(t, http.StatusServiceUnavailable, statusForError(nativecommon.ErrModulePaused))
	require.Equal(t, http.StatusInternalServerError, statusForError(errors.New("disk on fire")))
}
