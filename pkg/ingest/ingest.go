// Package ingest implements the single HTTP route that accepts raw
// webhooks and hands them to the canonicaliser over the raw stream
// (§4.8). It never blocks on downstream processing: a request is either
// rejected at the boundary (oversize, bad JSON, bad signature, rate
// limited) or accepted and published, never both inspected deeper.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/langhook-io/langhook/pkg/stream"
)

// RawEvent is the record produced by the ingest endpoint and consumed
// exactly once by the canonicaliser (§3.1).
type RawEvent struct {
	RequestID      uuid.UUID           `json:"request_id"`
	Source         string              `json:"source"`
	ReceivedAt     time.Time           `json:"received_at"`
	SignatureValid *bool               `json:"signature_valid"`
	Headers        map[string][]string `json:"headers,omitempty"`
	Body           map[string]any      `json:"body"`
}

// mapFailRecord mirrors the dead-letter shape observed in the reference
// implementation's mapper service (SPEC_FULL.md §10.1), reused here for
// payloads that never even reach the canonicaliser because they aren't
// valid JSON.
type mapFailRecord struct {
	Error      string `json:"error"`
	Source     string `json:"source"`
	Timestamp  string `json:"timestamp"`
	RawPayload string `json:"raw_payload"`
}

// SecretLookup resolves the HMAC secret configured for a source slug
// (the `<SOURCE>_SECRET` env convention, SPEC_FULL.md §10.4). ok is false
// when no secret is configured, in which case the signature check is
// skipped and the raw event's tri-state is left unchecked.
type SecretLookup func(source string) (secret string, ok bool)

// SignatureHeader is the header ingest reads the HMAC-SHA256 hex digest
// from, in `sha256=<hex>` form (the GitHub webhook convention, the most
// common shape among the sources this gateway expects to front).
const SignatureHeader = "X-Signature-256"

// Handler is the POST /ingest/:source gin handler.
type Handler struct {
	stream       *stream.Stream
	secretLookup SecretLookup
	maxBodyBytes int64
}

// NewHandler builds an ingest handler. maxBodyBytes caps the request body
// (defaults to 1 MiB, matching the reference implementation's
// MAX_BODY_BYTES default, if zero is passed).
func NewHandler(s *stream.Stream, secretLookup SecretLookup, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1048576
	}
	return &Handler{stream: s, secretLookup: secretLookup, maxBodyBytes: maxBodyBytes}
}

// Register mounts the ingest route onto a gin router group.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/ingest/:source", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	source := strings.ToLower(c.Param("source"))

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body exceeds size limit"})
		return
	}

	signatureValid := h.verifySignature(source, c.Request.Header.Get(SignatureHeader), raw)
	if signatureValid != nil && !*signatureValid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		h.publishMapFail(c, source, "invalid json: "+err.Error(), raw)
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is not valid JSON"})
		return
	}

	event := RawEvent{
		RequestID:      uuid.New(),
		Source:         source,
		ReceivedAt:     time.Now().UTC(),
		SignatureValid: signatureValid,
		Headers:        c.Request.Header,
		Body:           body,
	}
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("ingest: marshal raw event", "source", source, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := h.stream.PublishRaw(c.Request.Context(), source, data); err != nil {
		slog.Error("ingest: publish raw event", "source", source, "request_id", event.RequestID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not accept event"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"request_id": event.RequestID})
}

// verifySignature returns nil when no secret is configured for source
// (tri-state "unchecked"), or a pointer to the comparison result
// otherwise.
func (h *Handler) verifySignature(source, header string, body []byte) *bool {
	secret, ok := h.secretLookup(source)
	if !ok || secret == "" {
		return nil
	}

	valid := compareSignature(secret, header, body)
	return &valid
}

func compareSignature(secret, header string, body []byte) bool {
	const prefix = "sha256="
	digest := strings.TrimPrefix(header, prefix)
	if digest == header && header != "" {
		// no recognised prefix present; treat the whole header as the hex digest
		digest = header
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := mac.Sum(nil)

	return hmac.Equal(want, got)
}

func (h *Handler) publishMapFail(c *gin.Context, source, reason string, raw []byte) {
	rec := mapFailRecord{
		Error:      reason,
		Source:     source,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RawPayload: string(raw),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("ingest: marshal map_fail record", "source", source, "error", err)
		return
	}
	if err := h.stream.PublishMapFail(data); err != nil {
		slog.Error("ingest: publish map_fail record", "source", source, "error", err)
	}
}
