// Package identity checks membership proofs for depositing subjects
// against an external attestation service.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 5 * time.Second

// Config carries the attestation service settings.
type Config struct {
	Endpoint       string
	RequestTimeout time.Duration
}

// HTTPVerifier asks a remote attestation service whether a proof binds
// the subject to the configured identity group.
type HTTPVerifier struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

func NewHTTPVerifier(cfg Config, log *zap.Logger) *HTTPVerifier {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPVerifier{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

type verifyRequest struct {
	Subject        string `json:"subject"`
	RootCommitment string `json:"root_commitment"`
	UniquenessTag  string `json:"uniqueness_tag"`
	Proof          string `json:"proof"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verify returns whether the proof is valid. A transport or decoding
// failure is an error, not a rejection; the caller decides whether to
// fail open or closed.
func (v *HTTPVerifier) Verify(ctx context.Context, subject, root, tag common.Hash, proof []byte) (bool, error) {
	body, err := json.Marshal(verifyRequest{
		Subject:        subject.Hex(),
		RootCommitment: root.Hex(),
		UniquenessTag:  tag.Hex(),
		Proof:          hexutil.Encode(proof),
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("attestation request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("attestation service returned %d", resp.StatusCode)
	}
	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode attestation response: %w", err)
	}
	if !out.Valid {
		v.log.Debug("identity proof rejected",
			zap.String("subject", subject.Hex()),
			zap.String("reason", out.Reason))
	}
	return out.Valid, nil
}

// StaticVerifier admits a fixed subject set, ignoring proofs. Dev and
// test deployments use it in place of a live attestation service.
type StaticVerifier struct {
	mu      sync.RWMutex
	allowed map[common.Hash]struct{}
}

func NewStaticVerifier(subjects ...common.Hash) *StaticVerifier {
	v := &StaticVerifier{allowed: make(map[common.Hash]struct{}, len(subjects))}
	for _, s := range subjects {
		v.allowed[s] = struct{}{}
	}
	return v
}

func (v *StaticVerifier) Allow(subject common.Hash) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowed[subject] = struct{}{}
}

func (v *StaticVerifier) Verify(_ context.Context, subject, _, _ common.Hash, _ []byte) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.allowed[subject]
	return ok, nil
}
