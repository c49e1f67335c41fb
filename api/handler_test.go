package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/qubic/go-court/business/domain/court"
	"github.com/qubic/go-court/business/domain/events"
	"github.com/qubic/go-court/business/domain/token"
	"github.com/qubic/go-court/entities"
	"github.com/qubic/go-court/external/controller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "handler-test-secret"

var fixedNow = time.Unix(1_700_000_000, 0)

type FakeCourt struct {
	createRequests []court.CreateDisputeRequest
	draftRequests  []court.DraftRoundRequest
	ruleRequests   []court.RuleDisputeRequest
	settleRequests []court.SettleRoundRequest
	disputes       []entities.Dispute
	err            error
	statusCalls    int
}

func (f *FakeCourt) CreateDispute(_ context.Context, req court.CreateDisputeRequest) (uint64, error) {
	f.createRequests = append(f.createRequests, req)
	if f.err != nil {
		return 0, f.err
	}
	return uint64(len(f.createRequests) - 1), nil
}

func (f *FakeCourt) GetDispute(id uint64) (entities.Dispute, error) {
	if id >= uint64(len(f.disputes)) {
		return entities.Dispute{}, entities.ErrDisputeDoesNotExist
	}
	return f.disputes[id], nil
}

func (f *FakeCourt) GetRound(disputeID, round uint64) (entities.Round, error) {
	d, err := f.GetDispute(disputeID)
	if err != nil {
		return entities.Round{}, err
	}
	if round >= uint64(len(d.Rounds)) {
		return entities.Round{}, entities.ErrRoundDoesNotExist
	}
	return d.Rounds[round], nil
}

func (f *FakeCourt) Heartbeat(_ context.Context, _, maxRequested uint64) ([]entities.Heartbeat, error) {
	if f.err != nil {
		return nil, f.err
	}
	var heartbeats []entities.Heartbeat
	for i := uint64(1); i <= maxRequested; i++ {
		heartbeats = append(heartbeats, entities.Heartbeat{PreviousTermID: i - 1, TermID: i})
	}
	return heartbeats, nil
}

func (f *FakeCourt) DraftRound(_ context.Context, req court.DraftRoundRequest) (entities.Round, error) {
	f.draftRequests = append(f.draftRequests, req)
	return entities.Round{DisputeID: req.DisputeID, Number: req.Round, SelectedJurors: req.SelectedJurors}, f.err
}

func (f *FakeCourt) RuleDispute(_ context.Context, req court.RuleDisputeRequest) (entities.Dispute, error) {
	f.ruleRequests = append(f.ruleRequests, req)
	return entities.Dispute{ID: req.DisputeID, FinalRuling: req.Ruling, State: entities.DisputeStateRuled}, f.err
}

func (f *FakeCourt) SettleRound(_ context.Context, req court.SettleRoundRequest) (entities.Round, error) {
	f.settleRequests = append(f.settleRequests, req)
	return entities.Round{DisputeID: req.DisputeID, Number: req.Round, SettledPenalties: true, CollectedTokens: req.CollectedTokens}, f.err
}

func (f *FakeCourt) Status(_ uint64) court.Status {
	f.statusCalls++
	return court.Status{CurrentTermID: 3, LastEnsuredTermID: 2, NeededTransitions: 1, DisputeCount: uint64(len(f.disputes))}
}

type testServer struct {
	mux    *http.ServeMux
	court  *FakeCourt
	tokens *token.Ledger
	issuer *controller.Verifier
	events *events.Log
}

func newTestServer(t *testing.T, limiter *KeyLimiter) *testServer {
	fc := &FakeCourt{disputes: []entities.Dispute{{
		ID: 0, Subject: "agreement", PossibleRulings: 2, State: entities.DisputeStatePreDraft, CreateTermID: 1,
		Rounds: []entities.Round{{DisputeID: 0, DraftTermID: 4, JurorsNumber: 5, JurorFees: 50}},
	}}}
	cache := NewStatusTTLCache(time.Minute)
	go cache.Start()
	t.Cleanup(cache.Stop)

	verifier := controller.NewVerifier(secret)
	tokens := token.NewLedger()
	eventLog := events.NewLog()
	handler := NewHandler(fc, NewStatusCache(fc, cache), tokens, "court", verifier, eventLog, limiter,
		func() time.Time { return fixedNow }, zap.NewNop().Sugar())

	mux := http.NewServeMux()
	handler.Register(mux)
	return &testServer{mux: mux, court: fc, tokens: tokens, issuer: verifier, events: eventLog}
}

func (ts *testServer) do(t *testing.T, method, path, body string, caller entities.Address) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if caller != "" {
		token, err := ts.issuer.Issue(caller, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHandler_CreateDispute(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/disputes", `{"subject":"agreement","possibleRulings":2,"metadata":"aXBmcw=="}`, "controller")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, createDisputeResponse{DisputeID: 0}, decodeBody[createDisputeResponse](t, rec))

	require.Len(t, ts.court.createRequests, 1)
	req := ts.court.createRequests[0]
	assert.Equal(t, entities.Address("controller"), req.Sender)
	assert.Equal(t, entities.Address("agreement"), req.Subject)
	assert.Equal(t, uint8(2), req.PossibleRulings)
	assert.Equal(t, []byte("ipfs"), req.Metadata)
	assert.Equal(t, uint64(fixedNow.Unix()), req.Now)
}

func TestHandler_CreateDispute_WithoutTokenIsForwardedWithEmptySender(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.court.err = entities.ErrSenderNotController

	rec := ts.do(t, http.MethodPost, "/v1/disputes", `{"subject":"agreement","possibleRulings":2}`, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "SenderNotController", decodeBody[errorResponse](t, rec).Code)
	assert.Equal(t, entities.Address(""), ts.court.createRequests[0].Sender)
}

func TestHandler_InvalidToken(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/disputes", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ts.court.createRequests)
}

func TestHandler_ErrorMapping(t *testing.T) {
	testData := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "subscription", err: entities.ErrSubscriptionNotUpToDate, expected: http.StatusForbidden},
		{name: "ruling options", err: entities.ErrInvalidRulingOptions, expected: http.StatusBadRequest},
		{name: "deposit", err: entities.ErrDepositFailed, expected: http.StatusPaymentRequired},
		{name: "transitions", err: entities.ErrTooManyTransitions, expected: http.StatusConflict},
		{name: "unexpected", err: context.DeadlineExceeded, expected: http.StatusInternalServerError},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.court.err = testRun.err

			rec := ts.do(t, http.MethodPost, "/v1/disputes", `{"subject":"agreement","possibleRulings":2}`, "controller")
			assert.Equal(t, testRun.expected, rec.Code)
		})
	}
}

func TestHandler_Lookups(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/v1/disputes/0", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dispute := decodeBody[entities.Dispute](t, rec)
	assert.Equal(t, entities.DisputeStatePreDraft, dispute.State)

	rec = ts.do(t, http.MethodGet, "/v1/disputes/0/rounds/0", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(50), decodeBody[entities.Round](t, rec).JurorFees)

	rec = ts.do(t, http.MethodGet, "/v1/disputes/0/rounds/1", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RoundDoesNotExist", decodeBody[errorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/v1/disputes/5", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "DisputeDoesNotExist", decodeBody[errorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodGet, "/v1/disputes/abc", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CollaboratorHooks(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/disputes/0/rounds/0/draft", `{"selectedJurors":5}`, "controller")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(5), decodeBody[entities.Round](t, rec).SelectedJurors)

	rec = ts.do(t, http.MethodPost, "/v1/disputes/0/ruling", `{"ruling":1}`, "controller")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint8(1), decodeBody[entities.Dispute](t, rec).FinalRuling)

	rec = ts.do(t, http.MethodPost, "/v1/disputes/0/rounds/0/settle", `{"collectedTokens":25}`, "controller")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[entities.Round](t, rec).SettledPenalties)

	require.Len(t, ts.court.draftRequests, 1)
	require.Len(t, ts.court.ruleRequests, 1)
	require.Len(t, ts.court.settleRequests, 1)
	assert.Equal(t, entities.Address("controller"), ts.court.settleRequests[0].Sender)

	rec = ts.do(t, http.MethodPost, "/v1/disputes/0/ruling", `{"ruling":1,"extra":true}`, "controller")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Heartbeat(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/heartbeat", `{"maxTransitions":2}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[heartbeatResponse](t, rec)
	assert.Len(t, response.Heartbeats, 2)
	assert.Equal(t, uint64(3), response.Status.CurrentTermID)

	rec = ts.do(t, http.MethodPost, "/v1/heartbeat", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[heartbeatResponse](t, rec).Heartbeats)
}

func TestHandler_Approve(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/v1/tokens/approve", `{"amount":500}`, "agreement")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, approveResponse{Owner: "agreement", Spender: "court", Allowance: 500}, decodeBody[approveResponse](t, rec))
	assert.Equal(t, uint64(500), ts.tokens.Allowance("agreement", "court"))

	rec = ts.do(t, http.MethodPost, "/v1/tokens/approve", `{"amount":500}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_StatusIsCached(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		rec := ts.do(t, http.MethodGet, "/v1/status", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uint64(1), decodeBody[court.Status](t, rec).DisputeCount)
	}
	assert.Equal(t, 1, ts.court.statusCalls)

	ts.do(t, http.MethodPost, "/v1/disputes/0/ruling", `{"ruling":1}`, "controller")
	ts.do(t, http.MethodGet, "/v1/status", "", "")
	assert.Equal(t, 2, ts.court.statusCalls)
}

func TestHandler_RateLimited(t *testing.T) {
	ts := newTestServer(t, NewKeyLimiter(0.001, 2, time.Minute))

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/heartbeat", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/v1/heartbeat", "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// reads are not limited
	rec = ts.do(t, http.MethodGet, "/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_RateLimitKeyIgnoresUnverifiedTokens(t *testing.T) {
	ts := newTestServer(t, NewKeyLimiter(1, 1, time.Minute))

	served := 0
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", nil)
		req.Header.Set("Authorization", fmt.Sprintf("Bearer forged-%d", i))
		rec := httptest.NewRecorder()
		ts.mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusTooManyRequests {
			served++
		}
	}
	assert.Equal(t, 1, served)
}

func TestHandler_RateLimitPerVerifiedSender(t *testing.T) {
	ts := newTestServer(t, NewKeyLimiter(0.001, 1, time.Minute))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/heartbeat", "", "controller").Code)
	require.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/v1/heartbeat", "", "controller").Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/heartbeat", "", "agreement").Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/heartbeat", "", "").Code)
	require.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/v1/heartbeat", "", "").Code)
}

func TestHandler_CreateDispute_RulingOptionsOutOfRange(t *testing.T) {
	testData := []struct {
		name  string
		value string
	}{
		{name: "above uint8", value: "256"},
		{name: "far above uint8", value: "100000"},
		{name: "negative", value: "-1"},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.court.err = entities.ErrInvalidRulingOptions

			rec := ts.do(t, http.MethodPost, "/v1/disputes", `{"subject":"agreement","possibleRulings":`+testRun.value+`}`, "controller")
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "InvalidRulingOptions", decodeBody[errorResponse](t, rec).Code)
			require.Len(t, ts.court.createRequests, 1)
			assert.Equal(t, uint8(0), ts.court.createRequests[0].PossibleRulings)
		})
	}
}

func TestHandler_Events(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.events.Publish(context.Background(), []entities.Event{
		entities.NewHeartbeatEvent(entities.Heartbeat{PreviousTermID: 0, TermID: 1}),
		entities.NewDisputeCreatedEvent(entities.DisputeCreated{DisputeID: 0, Subject: "agreement", DraftTermID: 4, JurorsNumber: 5}),
	}))

	rec := ts.do(t, http.MethodGet, "/v1/events?from=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	response := decodeBody[eventsResponse](t, rec)
	require.Len(t, response.Records, 1)
	assert.Equal(t, uint64(2), response.Next)
	assert.Equal(t, entities.EventDisputeCreated, response.Records[0].Event.Type)

	rec = ts.do(t, http.MethodGet, "/v1/events?from=9", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	response = decodeBody[eventsResponse](t, rec)
	assert.Empty(t, response.Records)
	assert.Equal(t, uint64(9), response.Next)

	rec = ts.do(t, http.MethodGet, "/v1/events?from=x", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_StreamEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	require.NoError(t, ts.events.Publish(context.Background(), []entities.Event{
		entities.NewHeartbeatEvent(entities.Heartbeat{PreviousTermID: 0, TermID: 1}),
		entities.NewHeartbeatEvent(entities.Heartbeat{PreviousTermID: 1, TermID: 2}),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)

	var record events.Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &record))
	assert.Equal(t, uint64(1), record.Offset)
	assert.Equal(t, uint64(2), record.Event.Heartbeat.TermID)
}
