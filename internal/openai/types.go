package openai

import (
	"bytes"
	"encoding/json"
)

// Webhook event kinds delivered for background responses.
const (
	EventResponseCompleted  = "response.completed"
	EventResponseFailed     = "response.failed"
	EventResponseCancelled  = "response.cancelled"
	EventResponseIncomplete = "response.incomplete"
)

// CorrelationKey is the metadata field carrying the research id.
const CorrelationKey = "researchId"

// WebhookEvent is the envelope the provider posts when a background response
// changes state. Only the event kind and the response id are modeled.
type WebhookEvent struct {
	ID        string           `json:"id,omitempty"`
	Type      string           `json:"type"`
	CreatedAt int64            `json:"created_at,omitempty"`
	Data      WebhookEventData `json:"data"`
}

type WebhookEventData struct {
	ID string `json:"id"`
}

// ResponseError is the error object of a failed response.
type ResponseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Response is a Responses API resource. Fields beyond id, status, metadata
// and error are kept verbatim in Raw.
type Response struct {
	ID       string
	Object   string
	Status   string
	Metadata map[string]any
	Error    *ResponseError
	Raw      json.RawMessage
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var known struct {
		ID       string         `json:"id"`
		Object   string         `json:"object"`
		Status   string         `json:"status"`
		Metadata map[string]any `json:"metadata"`
		Error    *ResponseError `json:"error"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	r.ID = known.ID
	r.Object = known.Object
	r.Status = known.Status
	r.Metadata = known.Metadata
	r.Error = known.Error
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (r Response) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(struct {
		ID       string         `json:"id"`
		Object   string         `json:"object,omitempty"`
		Status   string         `json:"status,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
		Error    *ResponseError `json:"error,omitempty"`
	}{r.ID, r.Object, r.Status, r.Metadata, r.Error})
}

// CorrelationID returns metadata.researchId, or "" when absent or not a string.
func (r *Response) CorrelationID() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	id, _ := r.Metadata[CorrelationKey].(string)
	return id
}

// Pretty returns the resource as indented JSON.
func (r *Response) Pretty() string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}

// Tool is a hosted tool enabled for a job.
type Tool struct {
	Type string `json:"type"`
}

// JobRequest is the body relayed through the broker queue to POST /responses.
type JobRequest struct {
	Model      string            `json:"model"`
	Input      string            `json:"input"`
	Background bool              `json:"background"`
	Tools      []Tool            `json:"tools,omitempty"`
	Metadata   map[string]string `json:"metadata"`
}

// NewResearchJob builds a background deep-research job whose metadata carries
// the correlation token and the webhook address.
func NewResearchJob(model, question, researchID, webhookURL string) JobRequest {
	return JobRequest{
		Model:      model,
		Input:      question,
		Background: true,
		Tools:      []Tool{{Type: "web_search_preview"}},
		Metadata: map[string]string{
			CorrelationKey: researchID,
			"webhookUrl":   webhookURL,
		},
	}
}
