package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qubic/go-court/business/domain/court"
	"github.com/qubic/go-court/business/domain/events"
	"github.com/qubic/go-court/entities"
	"go.uber.org/zap"
)

type Court interface {
	CreateDispute(ctx context.Context, req court.CreateDisputeRequest) (uint64, error)
	GetDispute(id uint64) (entities.Dispute, error)
	GetRound(disputeID, round uint64) (entities.Round, error)
	Heartbeat(ctx context.Context, now, maxRequested uint64) ([]entities.Heartbeat, error)
	DraftRound(ctx context.Context, req court.DraftRoundRequest) (entities.Round, error)
	RuleDispute(ctx context.Context, req court.RuleDisputeRequest) (entities.Dispute, error)
	SettleRound(ctx context.Context, req court.SettleRoundRequest) (entities.Round, error)
	Status(now uint64) court.Status
}

type Verifier interface {
	Verify(token string) (entities.Address, error)
}

type TokenApprover interface {
	Approve(owner, spender entities.Address, amount uint64) error
	Allowance(owner, spender entities.Address) uint64
}

type EventLog interface {
	Records(from uint64) []events.Record
	Subscribe(ctx context.Context, from uint64) <-chan events.Record
}

const maxEventsPerPage = 1000

var errUnauthenticated = errors.New("missing or invalid bearer token")

type Handler struct {
	court         Court
	status        *StatusCache
	tokens        TokenApprover
	escrowAccount entities.Address
	verifier      Verifier
	events        EventLog
	limiter       *KeyLimiter
	now           func() time.Time
	logger        *zap.SugaredLogger
}

func NewHandler(c Court, status *StatusCache, tokens TokenApprover, escrowAccount entities.Address, verifier Verifier,
	eventLog EventLog, limiter *KeyLimiter, now func() time.Time, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		court:         c,
		status:        status,
		tokens:        tokens,
		escrowAccount: escrowAccount,
		verifier:      verifier,
		events:        eventLog,
		limiter:       limiter,
		now:           now,
		logger:        logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/disputes", h.limited(h.createDispute))
	mux.HandleFunc("GET /v1/disputes/{id}", h.getDispute)
	mux.HandleFunc("GET /v1/disputes/{id}/rounds/{round}", h.getRound)
	mux.HandleFunc("POST /v1/heartbeat", h.limited(h.heartbeat))
	mux.HandleFunc("POST /v1/disputes/{id}/rounds/{round}/draft", h.limited(h.draftRound))
	mux.HandleFunc("POST /v1/disputes/{id}/ruling", h.limited(h.ruleDispute))
	mux.HandleFunc("POST /v1/disputes/{id}/rounds/{round}/settle", h.limited(h.settleRound))
	mux.HandleFunc("POST /v1/tokens/approve", h.limited(h.approve))
	mux.HandleFunc("GET /v1/status", h.getStatus)
	mux.HandleFunc("GET /v1/events", h.getEvents)
	mux.HandleFunc("GET /v1/events/stream", h.streamEvents)
}

type createDisputeRequest struct {
	Subject         entities.Address `json:"subject"`
	PossibleRulings int64            `json:"possibleRulings"`
	Metadata        []byte           `json:"metadata"`
}

// rulingOptions maps values that do not fit a ruling count to 0, which the ledger rejects like any other
// out of range count after its access checks.
func (r createDisputeRequest) rulingOptions() uint8 {
	if r.PossibleRulings < 0 || r.PossibleRulings > math.MaxUint8 {
		return 0
	}
	return uint8(r.PossibleRulings)
}

type createDisputeResponse struct {
	DisputeID uint64 `json:"disputeId"`
}

func (h *Handler) createDispute(w http.ResponseWriter, r *http.Request) {
	sender, ok := h.sender(w, r)
	if !ok {
		return
	}
	var body createDisputeRequest
	if !h.decode(w, r, &body) {
		return
	}

	id, err := h.court.CreateDispute(r.Context(), court.CreateDisputeRequest{
		Sender:          sender,
		Subject:         body.Subject,
		PossibleRulings: body.rulingOptions(),
		Metadata:        body.Metadata,
		Now:             h.unixNow(),
	})
	h.status.Invalidate()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, createDisputeResponse{DisputeID: id})
}

func (h *Handler) getDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	dispute, err := h.court.GetDispute(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dispute)
}

func (h *Handler) getRound(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	number, ok := h.pathUint(w, r, "round")
	if !ok {
		return
	}
	round, err := h.court.GetRound(id, number)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, round)
}

type heartbeatRequest struct {
	MaxTransitions uint64 `json:"maxTransitions"`
}

type heartbeatResponse struct {
	Heartbeats []entities.Heartbeat `json:"heartbeats"`
	Status     court.Status         `json:"status"`
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}

	now := h.unixNow()
	heartbeats, err := h.court.Heartbeat(r.Context(), now, body.MaxTransitions)
	h.status.Invalidate()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if heartbeats == nil {
		heartbeats = []entities.Heartbeat{}
	}
	h.writeJSON(w, http.StatusOK, heartbeatResponse{Heartbeats: heartbeats, Status: h.court.Status(now)})
}

type draftRoundRequest struct {
	SelectedJurors uint64 `json:"selectedJurors"`
}

func (h *Handler) draftRound(w http.ResponseWriter, r *http.Request) {
	sender, ok := h.sender(w, r)
	if !ok {
		return
	}
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	number, ok := h.pathUint(w, r, "round")
	if !ok {
		return
	}
	var body draftRoundRequest
	if !h.decode(w, r, &body) {
		return
	}

	round, err := h.court.DraftRound(r.Context(), court.DraftRoundRequest{
		Sender:         sender,
		DisputeID:      id,
		Round:          number,
		SelectedJurors: body.SelectedJurors,
		Now:            h.unixNow(),
	})
	h.status.Invalidate()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, round)
}

type ruleDisputeRequest struct {
	Ruling uint8 `json:"ruling"`
}

func (h *Handler) ruleDispute(w http.ResponseWriter, r *http.Request) {
	sender, ok := h.sender(w, r)
	if !ok {
		return
	}
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	var body ruleDisputeRequest
	if !h.decode(w, r, &body) {
		return
	}

	dispute, err := h.court.RuleDispute(r.Context(), court.RuleDisputeRequest{
		Sender:    sender,
		DisputeID: id,
		Ruling:    body.Ruling,
		Now:       h.unixNow(),
	})
	h.status.Invalidate()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dispute)
}

type settleRoundRequest struct {
	CollectedTokens uint64 `json:"collectedTokens"`
}

func (h *Handler) settleRound(w http.ResponseWriter, r *http.Request) {
	sender, ok := h.sender(w, r)
	if !ok {
		return
	}
	id, ok := h.pathUint(w, r, "id")
	if !ok {
		return
	}
	number, ok := h.pathUint(w, r, "round")
	if !ok {
		return
	}
	var body settleRoundRequest
	if !h.decode(w, r, &body) {
		return
	}

	round, err := h.court.SettleRound(r.Context(), court.SettleRoundRequest{
		Sender:          sender,
		DisputeID:       id,
		Round:           number,
		CollectedTokens: body.CollectedTokens,
		Now:             h.unixNow(),
	})
	h.status.Invalidate()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, round)
}

type approveRequest struct {
	Amount uint64 `json:"amount"`
}

type approveResponse struct {
	Owner     entities.Address `json:"owner"`
	Spender   entities.Address `json:"spender"`
	Allowance uint64           `json:"allowance"`
}

// approve lets the authenticated caller allow the court to pull dispute deposits from its balance.
func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.sender(w, r)
	if !ok {
		return
	}
	if owner == "" {
		h.writeError(w, errUnauthenticated)
		return
	}
	var body approveRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.tokens.Approve(owner, h.escrowAccount, body.Amount); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, approveResponse{
		Owner:     owner,
		Spender:   h.escrowAccount,
		Allowance: h.tokens.Allowance(owner, h.escrowAccount),
	})
}

func (h *Handler) getStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.status.Status(h.unixNow()))
}

type eventsResponse struct {
	Records []events.Record `json:"records"`
	Next    uint64          `json:"next"`
}

func (h *Handler) getEvents(w http.ResponseWriter, r *http.Request) {
	from, ok := h.queryUint(w, r, "from")
	if !ok {
		return
	}
	records := h.events.Records(from)
	if len(records) > maxEventsPerPage {
		records = records[:maxEventsPerPage]
	}
	next := from
	if len(records) > 0 {
		next = records[len(records)-1].Offset + 1
	}
	if records == nil {
		records = []events.Record{}
	}
	h.writeJSON(w, http.StatusOK, eventsResponse{Records: records, Next: next})
}

// streamEvents writes one JSON record per line until the client goes away.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	from, ok := h.queryUint(w, r, "from")
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "Internal", Message: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for record := range h.events.Subscribe(r.Context(), from) {
		if err := encoder.Encode(record); err != nil {
			h.logger.Debugw("Event stream closed", "error", err)
			return
		}
		flusher.Flush()
	}
}

// limited rejects callers above their request rate. Callers with a valid token are limited per identity,
// everyone else per remote host.
func (h *Handler) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := "host:" + remoteHost(r)
		if token := bearerToken(r); token != "" {
			if sender, err := h.verifier.Verify(token); err == nil {
				key = "sender:" + string(sender)
			}
		}
		if !h.limiter.Allow(key, h.now()) {
			h.writeJSON(w, http.StatusTooManyRequests, errorResponse{Code: "RateLimited", Message: "too many requests"})
			return
		}
		next(w, r)
	}
}

// sender resolves the caller identity. Requests without a token get an empty sender so the access checks of the
// ledger reject them with their own error.
func (h *Handler) sender(w http.ResponseWriter, r *http.Request) (entities.Address, bool) {
	token := bearerToken(r)
	if token == "" {
		return "", true
	}
	sender, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Debugw("Rejected bearer token", "error", err)
		h.writeError(w, errUnauthenticated)
		return "", false
	}
	return sender, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "InvalidRequest", Message: err.Error()})
		return false
	}
	return true
}

func (h *Handler) pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	value, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "InvalidRequest", Message: "invalid " + name})
		return 0, false
	}
	return value, true
}

func (h *Handler) queryUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Code: "InvalidRequest", Message: "invalid " + name})
		return 0, false
	}
	return value, true
}

func (h *Handler) unixNow() uint64 {
	return uint64(h.now().Unix())
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnauthenticated) {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "Unauthenticated", Message: err.Error()})
		return
	}

	var courtErr *entities.Error
	if !errors.As(err, &courtErr) {
		h.logger.Errorw("Internal error", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "Internal", Message: "internal error"})
		return
	}
	h.writeJSON(w, statusCode(courtErr.Kind), errorResponse{Code: courtErr.Code, Message: err.Error()})
}

func statusCode(kind entities.ErrorKind) int {
	switch kind {
	case entities.KindAccess, entities.KindSubscription:
		return http.StatusForbidden
	case entities.KindValidation:
		return http.StatusBadRequest
	case entities.KindResource:
		return http.StatusPaymentRequired
	case entities.KindTemporal:
		return http.StatusConflict
	case entities.KindLookup:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Errorw("Failed to marshal response", "error", err)
		http.Error(w, "marshalling response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.logger.Debugw("Failed to write response", "error", err)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
