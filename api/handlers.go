package api

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/strongroom-io/strongroom/internal/breaker"
	"github.com/strongroom-io/strongroom/internal/vault"
	errs "github.com/strongroom-io/strongroom/pkg/errors"
)

func (s *Server) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		s.writeError(c, errs.E(errs.KindValidation, "invalid request body").Wrap(err))
		return false
	}
	return true
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errs.Ef(errs.KindValidation, "%s is not a valid decimal", field)
	}
	return v, nil
}

func parseBase64(field, raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errs.Ef(errs.KindValidation, "%s is not valid base64", field)
	}
	return b, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errs.Ef(errs.KindValidation, "%s is not a valid duration", field)
	}
	return d, nil
}

func (s *Server) respondOK(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// --- vault ---

func (s *Server) getVaultStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.vault.Stats())
}

type positionResponse struct {
	Participant string          `json:"participant"`
	Shares      decimal.Decimal `json:"shares"`
	Deposited   decimal.Decimal `json:"deposited"`
	LastDeposit time.Time       `json:"last_deposit"`
	Value       decimal.Decimal `json:"value"`
}

func (s *Server) getMyPosition(c *gin.Context) {
	sub := subject(c)
	pos, ok := s.vault.PositionOf(sub)
	if !ok {
		s.writeError(c, errs.E(errs.KindNotFound, "no position for this subject"))
		return
	}
	c.JSON(http.StatusOK, positionResponse{
		Participant: sub.Hex(),
		Shares:      pos.OwnedShares,
		Deposited:   pos.DepositedValue,
		LastDeposit: pos.LastDeposit,
		Value:       s.vault.ValueFor(pos.OwnedShares),
	})
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required"`
	Proof  string `json:"proof"`
}

func (s *Server) createDeposit(c *gin.Context) {
	var req depositRequest
	if !s.bind(c, &req) {
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	proof, err := parseBase64("proof", req.Proof)
	if err != nil {
		s.writeError(c, err)
		return
	}
	receipt, err := s.vault.Deposit(c.Request.Context(), subject(c), amount, proof)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

type withdrawRequest struct {
	Shares string `json:"shares" binding:"required"`
}

func (s *Server) createWithdrawal(c *gin.Context) {
	var req withdrawRequest
	if !s.bind(c, &req) {
		return
	}
	shares, err := parseDecimal("shares", req.Shares)
	if err != nil {
		s.writeError(c, err)
		return
	}
	receipt, err := s.vault.Withdraw(c.Request.Context(), subject(c), shares)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

type messageRequest struct {
	ProducerID string `json:"producer_id" binding:"required"`
	Metadata   string `json:"metadata" binding:"required"`
	Payload    string `json:"payload"`
}

func (s *Server) ingestMessage(c *gin.Context) {
	var req messageRequest
	if !s.bind(c, &req) {
		return
	}
	metadata, err := parseBase64("metadata", req.Metadata)
	if err != nil {
		s.writeError(c, err)
		return
	}
	payload, err := parseBase64("payload", req.Payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	receipt, err := s.vault.IngestMessage(c.Request.Context(), subject(c), vault.Envelope{
		ProducerID: common.HexToHash(req.ProducerID),
		Metadata:   metadata,
		Payload:    payload,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) pauseVault(c *gin.Context) {
	if err := s.vault.Pause(c.Request.Context(), subject(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) resumeVault(c *gin.Context) {
	if err := s.vault.Resume(c.Request.Context(), subject(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

type tripRequest struct {
	Cause string `json:"cause" binding:"required"`
}

func (s *Server) tripVaultBreaker(c *gin.Context) {
	var req tripRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.vault.TripBreaker(c.Request.Context(), subject(c), req.Cause); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) resetVaultBreaker(c *gin.Context) {
	if err := s.vault.ResetBreaker(c.Request.Context(), subject(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

type valueRequest struct {
	Value string `json:"value" binding:"required"`
}

func (s *Server) setMinDeposit(c *gin.Context) {
	var req valueRequest
	if !s.bind(c, &req) {
		return
	}
	v, err := parseDecimal("value", req.Value)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.vault.SetMinDeposit(subject(c), v); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

type durationRequest struct {
	Duration string `json:"duration" binding:"required"`
}

func (s *Server) setHoldingPeriod(c *gin.Context) {
	var req durationRequest
	if !s.bind(c, &req) {
		return
	}
	d, err := parseDuration("duration", req.Duration)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.vault.SetHoldingPeriod(subject(c), d); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) setBreakerDuration(c *gin.Context) {
	var req durationRequest
	if !s.bind(c, &req) {
		return
	}
	d, err := parseDuration("duration", req.Duration)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.vault.SetBreakerMaxDuration(subject(c), d); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) reportCustodialBalance(c *gin.Context) {
	var req valueRequest
	if !s.bind(c, &req) {
		return
	}
	v, err := parseDecimal("value", req.Value)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.vault.ReportCustodialBalance(c.Request.Context(), subject(c), v); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) allocateValue(c *gin.Context) {
	var req amountRequest
	if !s.bind(c, &req) {
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.vault.AllocateValue(c.Request.Context(), subject(c), amount); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) reclaimValue(c *gin.Context) {
	var req amountRequest
	if !s.bind(c, &req) {
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.vault.ReclaimValue(c.Request.Context(), subject(c), amount); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

type bindProducerRequest struct {
	Producer string `json:"producer" binding:"required"`
	Tag      uint8  `json:"tag" binding:"required"`
}

func (s *Server) bindProducer(c *gin.Context) {
	var req bindProducerRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.vault.BindProducer(c.Request.Context(), subject(c), common.HexToHash(req.Producer), req.Tag); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) unbindProducer(c *gin.Context) {
	producer := common.HexToHash(c.Param("id"))
	if err := s.vault.UnbindProducer(c.Request.Context(), subject(c), producer); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

// --- risk ---

func (s *Server) getRiskStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.risk.Snapshot(time.Now()))
}

func (s *Server) getRiskTarget(c *gin.Context) {
	target := common.HexToHash(c.Param("id"))
	a, ok := s.risk.AssessmentOf(target)
	if !ok {
		s.writeError(c, errs.E(errs.KindNotFound, "target not registered"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target":       target.Hex(),
		"score":        a.Score,
		"monitored":    a.Monitored,
		"alerts":       a.Alerts,
		"last_updated": a.LastUpdated,
	})
}

type scoreRequest struct {
	Target   string `json:"target" binding:"required"`
	Score    int    `json:"score"`
	ReportID string `json:"report_id" binding:"required"`
}

func (s *Server) submitScore(c *gin.Context) {
	var req scoreRequest
	if !s.bind(c, &req) {
		return
	}
	out, err := s.risk.UpdateScore(c.Request.Context(), subject(c), common.HexToHash(req.Target), req.Score, req.ReportID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"score":   out.Score,
		"alerted": out.Alerted,
		"tripped": out.Tripped,
	})
}

type thresholdsRequest struct {
	Alert int `json:"alert"`
	Trip  int `json:"trip"`
}

func (s *Server) setRiskThresholds(c *gin.Context) {
	var req thresholdsRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.risk.SetThresholds(c.Request.Context(), subject(c), req.Alert, req.Trip); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

type ratePolicyRequest struct {
	Window         string `json:"window" binding:"required"`
	MaxActivations int    `json:"max_activations" binding:"required"`
}

func (s *Server) setRiskRatePolicy(c *gin.Context) {
	var req ratePolicyRequest
	if !s.bind(c, &req) {
		return
	}
	window, err := parseDuration("window", req.Window)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.risk.SetRatePolicy(subject(c), breaker.Policy{
		Window:         window,
		MaxActivations: req.MaxActivations,
	}); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) setRiskBreakerTTL(c *gin.Context) {
	var req durationRequest
	if !s.bind(c, &req) {
		return
	}
	d, err := parseDuration("duration", req.Duration)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.risk.SetBreakerTTL(subject(c), d); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) clearRiskBreaker(c *gin.Context) {
	if err := s.risk.ClearBreaker(c.Request.Context(), subject(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

type targetRequest struct {
	Target string `json:"target" binding:"required"`
}

func (s *Server) addRiskTarget(c *gin.Context) {
	var req targetRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.risk.AddTarget(c.Request.Context(), subject(c), common.HexToHash(req.Target)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) removeRiskTarget(c *gin.Context) {
	target := common.HexToHash(c.Param("id"))
	if err := s.risk.RemoveTarget(c.Request.Context(), subject(c), target); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

// --- partitions ---

func (s *Server) getPartitionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.partitions.Snapshot(time.Now()))
}

type transferResponse struct {
	MessageID   string          `json:"message_id"`
	Destination uint32          `json:"destination"`
	Nonce       uint64          `json:"nonce"`
	Amount      decimal.Decimal `json:"amount"`
	Beneficiary string          `json:"beneficiary"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

func (s *Server) getPendingTransfer(c *gin.Context) {
	pt, ok := s.partitions.PendingOf(c.Param("id"))
	if !ok {
		s.writeError(c, errs.E(errs.KindNotFound, "pending transfer not found"))
		return
	}
	resp := transferResponse{
		MessageID:   pt.MessageID,
		Destination: pt.Destination,
		Nonce:       pt.Nonce,
		Amount:      pt.Amount,
		Beneficiary: pt.Beneficiary.Hex(),
		Status:      string(pt.Status),
		CreatedAt:   pt.CreatedAt,
	}
	if !pt.ClosedAt.IsZero() {
		closed := pt.ClosedAt
		resp.ClosedAt = &closed
	}
	c.JSON(http.StatusOK, resp)
}

type registerPartitionRequest struct {
	ID            uint32 `json:"id" binding:"required"`
	Counterpart   string `json:"counterpart" binding:"required"`
	AllocationBps int    `json:"allocation_bps"`
}

func (s *Server) registerPartition(c *gin.Context) {
	var req registerPartitionRequest
	if !s.bind(c, &req) {
		return
	}
	err := s.partitions.RegisterPartition(c.Request.Context(), subject(c), req.ID, common.HexToHash(req.Counterpart), req.AllocationBps)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) removePartition(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		s.writeError(c, errs.E(errs.KindValidation, "partition id must be a number"))
		return
	}
	if err := s.partitions.RemovePartition(c.Request.Context(), subject(c), uint32(id)); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) refreshManagedValue(c *gin.Context) {
	v := s.vault.TotalAssets()
	if err := s.partitions.RefreshManagedValueBy(subject(c), v); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"managed_value": v})
}

type pruneRequest struct {
	Before string `json:"before" binding:"required"`
}

func (s *Server) pruneWindows(c *gin.Context) {
	var req pruneRequest
	if !s.bind(c, &req) {
		return
	}
	before, err := time.Parse(time.RFC3339, req.Before)
	if err != nil {
		s.writeError(c, errs.E(errs.KindValidation, "before must be an RFC3339 timestamp"))
		return
	}
	n, err := s.partitions.PruneWindows(subject(c), before)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": n})
}

type dispatchRequest struct {
	Destination uint32 `json:"destination" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Beneficiary string `json:"beneficiary" binding:"required"`
	Memo        string `json:"memo"`
	Fee         string `json:"fee"`
}

func (s *Server) dispatchTransfer(c *gin.Context) {
	var req dispatchRequest
	if !s.bind(c, &req) {
		return
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	memo, err := parseBase64("memo", req.Memo)
	if err != nil {
		s.writeError(c, err)
		return
	}
	fee := decimal.Zero
	if req.Fee != "" {
		if fee, err = parseDecimal("fee", req.Fee); err != nil {
			s.writeError(c, err)
			return
		}
	}
	receipt, err := s.partitions.Dispatch(c.Request.Context(), subject(c), req.Destination, amount, common.HexToHash(req.Beneficiary), memo, fee)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (s *Server) completeTransfer(c *gin.Context) {
	if err := s.partitions.CompleteTransfer(c.Request.Context(), subject(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) failTransfer(c *gin.Context) {
	if err := s.partitions.FailTransfer(c.Request.Context(), subject(c), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondOK(c)
}

func (s *Server) receiveInbound(c *gin.Context) {
	var req inboundRequest
	if !s.bind(c, &req) {
		return
	}
	payload, err := parseBase64("payload", req.Payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	receipt, err := s.partitions.Receive(c.Request.Context(), subject(c), req.Source, common.HexToHash(req.Sender), payload)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

type inboundRequest struct {
	Source  uint32 `json:"source" binding:"required"`
	Sender  string `json:"sender" binding:"required"`
	Payload string `json:"payload" binding:"required"`
}
