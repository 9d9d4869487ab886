package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/deepqueue/internal/apperr"
	"github.com/kalambet/deepqueue/internal/openai"
	"github.com/kalambet/deepqueue/internal/research"
	"github.com/kalambet/deepqueue/internal/storage"
)

const testSecret = "whsec_test"

// stubFetcher serves canned responses keyed by id.
type stubFetcher struct {
	responses map[string]string
	err       error
	calls     atomic.Int32
}

func (f *stubFetcher) GetResponse(_ context.Context, id string) (*openai.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	raw, ok := f.responses[id]
	if !ok {
		return nil, apperr.Upstream(404, "no response %s", id)
	}
	var r openai.Response
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func eventBody(t *testing.T, typ, jobID string) []byte {
	t.Helper()
	b, err := json.Marshal(openai.WebhookEvent{ID: "evt_" + jobID, Type: typ, Data: openai.WebhookEventData{ID: jobID}})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type fixture struct {
	store    *research.Store
	fetcher  *stubFetcher
	ingestor *Ingestor
	rec      research.Research
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := research.NewStore(storage.NewMemory())
	rec, err := store.Create(context.Background(), "What is dark matter?", "https://app/api/webhooks/openai")
	if err != nil {
		t.Fatal(err)
	}
	fetcher := &stubFetcher{responses: map[string]string{
		"resp_1":           fmt.Sprintf(`{"id":"resp_1","status":"completed","metadata":{"researchId":%q},"output":[]}`, rec.ID),
		"resp_failed":      fmt.Sprintf(`{"id":"resp_failed","status":"failed","metadata":{"researchId":%q},"error":{"message":"quota exceeded"}}`, rec.ID),
		"resp_failed_bare": fmt.Sprintf(`{"id":"resp_failed_bare","status":"failed","metadata":{"researchId":%q}}`, rec.ID),
		"resp_orphan":      `{"id":"resp_orphan","status":"completed","metadata":{}}`,
		"resp_ghost":       `{"id":"resp_ghost","status":"completed","metadata":{"researchId":"does-not-exist"}}`,
	}}
	return &fixture{
		store:    store,
		fetcher:  fetcher,
		ingestor: NewIngestor(fetcher, store, nil),
		rec:      rec,
	}
}

func (f *fixture) deliver(t *testing.T, body []byte) (Outcome, error) {
	t.Helper()
	return f.ingestor.HandleInboundWebhook(context.Background(), body, []string{Sign(body, testSecret)}, testSecret)
}

func (f *fixture) current(t *testing.T) research.Research {
	t.Helper()
	r, err := f.store.Get(context.Background(), f.rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestHandle_CompletedThenRedelivered(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, openai.EventResponseCompleted, "resp_1")

	out, err := f.deliver(t, body)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !out.Applied || out.Status != research.StatusCompleted || out.ResearchID != f.rec.ID {
		t.Errorf("outcome = %+v", out)
	}

	first := f.current(t)
	if first.Status != research.StatusCompleted {
		t.Fatalf("Status = %q, want completed", first.Status)
	}
	if first.UpstreamJobID != "resp_1" {
		t.Errorf("UpstreamJobID = %q, want resp_1", first.UpstreamJobID)
	}
	if !strings.Contains(first.Result, "\n  \"id\": \"resp_1\"") {
		t.Errorf("Result is not the indented resource: %q", first.Result)
	}

	if _, err := f.deliver(t, body); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	second := f.current(t)
	if second.Status != first.Status || second.Result != first.Result || second.UpstreamJobID != first.UpstreamJobID {
		t.Errorf("redelivery changed the record:\n%+v\n%+v", first, second)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("UpdatedAt %v not after %v", second.UpdatedAt, first.UpdatedAt)
	}
}

func TestHandle_FailedUsesUpstreamMessage(t *testing.T) {
	f := newFixture(t)
	if _, err := f.deliver(t, eventBody(t, openai.EventResponseFailed, "resp_failed")); err != nil {
		t.Fatal(err)
	}
	got := f.current(t)
	if got.Status != research.StatusFailed || got.Error != "quota exceeded" {
		t.Errorf("record = %+v", got)
	}
	if got.Result == "" {
		t.Error("failed research should keep the resource as diagnostics")
	}
}

func TestHandle_FixedMessages(t *testing.T) {
	tests := []struct {
		event  string
		job    string
		status research.Status
		msg    string
	}{
		{openai.EventResponseFailed, "resp_failed_bare", research.StatusFailed, "Response failed"},
		{openai.EventResponseCancelled, "resp_1", research.StatusCancelled, "Response cancelled"},
		{openai.EventResponseIncomplete, "resp_1", research.StatusIncomplete, "Response incomplete"},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.deliver(t, eventBody(t, tt.event, tt.job)); err != nil {
				t.Fatal(err)
			}
			got := f.current(t)
			if got.Status != tt.status || got.Error != tt.msg {
				t.Errorf("record = %+v, want status %q error %q", got, tt.status, tt.msg)
			}
		})
	}
}

func TestHandle_BadSignatureLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, openai.EventResponseCompleted, "resp_1")
	sig := []byte(Sign(body, testSecret))
	sig[0] ^= 0x01

	_, err := f.ingestor.HandleInboundWebhook(context.Background(), body, []string{string(sig)}, testSecret)
	if !apperr.IsAuthentication(err) {
		t.Fatalf("error = %v, want authentication error", err)
	}
	if f.fetcher.calls.Load() != 0 {
		t.Error("provider fetched for an unverified delivery")
	}
	if got := f.current(t); got.Status != research.StatusPending || !got.UpdatedAt.Equal(f.rec.UpdatedAt) {
		t.Errorf("record changed: %+v", got)
	}
}

func TestHandle_MissingSignatureAndSecret(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, openai.EventResponseCompleted, "resp_1")

	if _, err := f.ingestor.HandleInboundWebhook(context.Background(), body, nil, testSecret); !apperr.IsAuthentication(err) {
		t.Errorf("no signatures: %v, want authentication error", err)
	}
	if _, err := f.ingestor.HandleInboundWebhook(context.Background(), body, []string{"x"}, ""); !apperr.IsConfiguration(err) {
		t.Errorf("no secret: %v, want configuration error", err)
	}
}

func TestHandle_SecondSignatureHeaderAccepted(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, openai.EventResponseCompleted, "resp_1")

	_, err := f.ingestor.HandleInboundWebhook(context.Background(), body, []string{"stale", Sign(body, testSecret)}, testSecret)
	if err != nil {
		t.Fatalf("rotated signature rejected: %v", err)
	}
}

func TestHandle_MalformedPayload(t *testing.T) {
	f := newFixture(t)
	for _, body := range [][]byte{[]byte("{not json"), []byte(`{"type":"response.completed","data":{}}`)} {
		_, err := f.deliver(t, body)
		if !apperr.IsValidation(err) {
			t.Errorf("body %q: error = %v, want validation error", body, err)
		}
	}
	if f.fetcher.calls.Load() != 0 {
		t.Error("provider fetched for a malformed payload")
	}
}

func TestHandle_MissingCorrelationTokenLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t)
	_, err := f.deliver(t, eventBody(t, openai.EventResponseCompleted, "resp_orphan"))
	if !apperr.IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
	if got := f.current(t); got.Status != research.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestHandle_UpstreamFailureIsRetriable(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = apperr.Upstream(503, "provider unavailable")

	_, err := f.deliver(t, eventBody(t, openai.EventResponseCompleted, "resp_1"))
	if !apperr.IsUpstream(err) {
		t.Fatalf("error = %v, want upstream error", err)
	}
	if got := f.current(t); got.Status != research.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestHandle_UnknownResearchAcknowledged(t *testing.T) {
	f := newFixture(t)
	out, err := f.deliver(t, eventBody(t, openai.EventResponseCompleted, "resp_ghost"))
	if err != nil {
		t.Fatalf("error = %v, want acknowledgement", err)
	}
	if out.Applied || out.Reason != "research not found" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestHandle_UnknownEventTypeAcknowledged(t *testing.T) {
	f := newFixture(t)
	out, err := f.deliver(t, eventBody(t, "response.in_progress", "resp_1"))
	if err != nil {
		t.Fatalf("error = %v, want acknowledgement", err)
	}
	if out.Applied {
		t.Error("unknown event applied")
	}
	if got := f.current(t); got.Status != research.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestHandle_ConflictingTerminalIgnored(t *testing.T) {
	f := newFixture(t)
	if _, err := f.deliver(t, eventBody(t, openai.EventResponseCompleted, "resp_1")); err != nil {
		t.Fatal(err)
	}
	before := f.current(t)

	out, err := f.deliver(t, eventBody(t, openai.EventResponseCancelled, "resp_1"))
	if err != nil {
		t.Fatalf("error = %v, want acknowledgement", err)
	}
	if out.Applied {
		t.Error("completed research was cancelled")
	}
	after := f.current(t)
	if after.Status != research.StatusCompleted || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("record changed: %+v", after)
	}
}

func TestHandle_WithProviderClient(t *testing.T) {
	store := research.NewStore(storage.NewMemory())
	rec, _ := store.Create(context.Background(), "q", "")

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprintf(w, `{"id":"resp_9","status":"completed","metadata":{"researchId":%q}}`, rec.ID)
	}))
	defer srv.Close()

	ing := NewIngestor(openai.NewClientWithBaseURL("sk-test", srv.URL), store, nil)
	body := eventBody(t, openai.EventResponseCompleted, "resp_9")
	if _, err := ing.HandleInboundWebhook(context.Background(), body, []string{Sign(body, testSecret)}, testSecret); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	got, _ := store.Get(context.Background(), rec.ID)
	if got.Status != research.StatusCompleted || got.UpstreamJobID != "resp_9" {
		t.Errorf("record = %+v", got)
	}
}
