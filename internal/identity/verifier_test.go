package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	subjectID = common.HexToHash("0xa11ce")
	rootID    = common.HexToHash("0x1007")
	tagID     = common.HexToHash("0x7a6")
)

func TestHTTPVerifierRoundTrip(t *testing.T) {
	var got verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(verifyResponse{Valid: true})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(Config{Endpoint: srv.URL, RequestTimeout: time.Second}, zap.NewNop())
	ok, err := v.Verify(context.Background(), subjectID, rootID, tagID, []byte{0xbe, 0xef})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, subjectID.Hex(), got.Subject)
	assert.Equal(t, rootID.Hex(), got.RootCommitment)
	assert.Equal(t, tagID.Hex(), got.UniquenessTag)
	assert.Equal(t, "0xbeef", got.Proof)
}

func TestHTTPVerifierRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(verifyResponse{Valid: false, Reason: "stale root"})
	}))
	defer srv.Close()

	v := NewHTTPVerifier(Config{Endpoint: srv.URL}, zap.NewNop())
	ok, err := v.Verify(context.Background(), subjectID, rootID, tagID, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPVerifierServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(Config{Endpoint: srv.URL}, zap.NewNop())
	_, err := v.Verify(context.Background(), subjectID, rootID, tagID, nil)
	assert.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(subjectID)

	ok, err := v.Verify(context.Background(), subjectID, rootID, tagID, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	other := common.HexToHash("0xb0b")
	ok, err = v.Verify(context.Background(), other, rootID, tagID, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	v.Allow(other)
	ok, _ = v.Verify(context.Background(), other, rootID, tagID, nil)
	assert.True(t, ok)
}
