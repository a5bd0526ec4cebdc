package canonical

import "github.com/google/uuid"

// Envelope wraps a canonical Event for the stream (§3.5): a CloudEvents-
// shaped wrapper identifying the event, its originating publisher, and
// the routing subject it was published under.
type Envelope struct {
	ID      uuid.UUID `json:"id"`
	Version string    `json:"specversion"`
	Source  string    `json:"source"`
	Type    string    `json:"type"`
	Subject string    `json:"subject"`
	Data    *Event    `json:"data"`
}

// EnvelopeVersion is the delivery envelope's spec version field.
const EnvelopeVersion = "1.0"

// NewEnvelope builds a delivery envelope from a validated canonical
// event, its routing subject-id (already resolved against the original
// payload per §3.5), and a random event id.
func NewEnvelope(evt *Event, resolvedResourceID string) Envelope {
	return Envelope{
		ID:      uuid.New(),
		Version: EnvelopeVersion,
		Source:  "/" + evt.Publisher,
		Type:    "com." + evt.Publisher + "." + evt.Resource.Type + "." + string(evt.Action),
		Subject: evt.Resource.Type + "/" + resolvedResourceID,
		Data:    evt,
	}
}
