package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/langhook-io/langhook/pkg/eventlog"
	"github.com/langhook-io/langhook/pkg/subscription"
)

// subscriptionRequest is the POST/PUT /subscriptions/ request body. The
// subject pattern is never accepted from the caller — it is compiled from
// Description by the pattern compiler (§4.4) on POST, and on PUT only when
// the description changed.
type subscriptionRequest struct {
	SubscriberID  string            `json:"subscriber_id"`
	Description   string            `json:"description" binding:"required"`
	TargetURL     string            `json:"target_url" binding:"required"`
	TargetMethod  string            `json:"target_method"`
	TargetHeaders map[string]string `json:"target_headers"`
	GateEnabled   bool              `json:"gate_enabled"`
	GateFailOpen  bool              `json:"gate_fail_open"`
	Disposable    bool              `json:"disposable"`
	Active        *bool             `json:"active"`
}

// subscriptionResponse is the JSON shape returned for a single subscription.
type subscriptionResponse struct {
	ID             uuid.UUID         `json:"id"`
	SubscriberID   string            `json:"subscriber_id"`
	Description    string            `json:"description"`
	SubjectPattern string            `json:"subject_pattern"`
	TargetURL      string            `json:"target_url"`
	TargetMethod   string            `json:"target_method"`
	TargetHeaders  map[string]string `json:"target_headers,omitempty"`
	GateEnabled    bool              `json:"gate_enabled"`
	GatePrompt     string            `json:"gate_prompt,omitempty"`
	GateFailOpen   bool              `json:"gate_fail_open"`
	Disposable     bool              `json:"disposable"`
	Used           bool              `json:"used"`
	Active         bool              `json:"active"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func toSubscriptionResponse(s subscription.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:             s.ID,
		SubscriberID:   s.SubscriberID,
		Description:    s.Description,
		SubjectPattern: s.SubjectPattern,
		TargetURL:      s.TargetURL,
		TargetMethod:   s.TargetMethod,
		TargetHeaders:  s.TargetHeaders,
		GateEnabled:    s.GateEnabled,
		GatePrompt:     s.GatePrompt,
		GateFailOpen:   s.GateFailOpen,
		Disposable:     s.Disposable,
		Used:           s.Used,
		Active:         s.Active,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// deliveryResponse is one row of GET /subscriptions/{id}/events.
type deliveryResponse struct {
	ID                 uuid.UUID `json:"id"`
	EventID            uuid.UUID `json:"event_id"`
	Subject            string    `json:"subject"`
	GatePassed         *bool     `json:"gate_passed,omitempty"`
	GateReason         string    `json:"gate_reason,omitempty"`
	Delivered          bool      `json:"delivered"`
	DeliveryStatusCode *int      `json:"delivery_status_code,omitempty"`
	DeliveryError      string    `json:"delivery_error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func toDeliveryResponse(r eventlog.DeliveryRecord) deliveryResponse {
	return deliveryResponse{
		ID:                 r.ID,
		EventID:            r.EventID,
		Subject:            r.Subject,
		GatePassed:         r.GatePassed,
		GateReason:         r.GateReason,
		Delivered:          r.Delivered,
		DeliveryStatusCode: r.DeliveryStatusCode,
		DeliveryError:      r.DeliveryError,
		CreatedAt:          r.CreatedAt,
	}
}
