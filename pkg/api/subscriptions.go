package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/langhook-io/langhook/pkg/subscription"
)

// createSubscriptionHandler handles POST /subscriptions/ (§6). The subject
// pattern is always compiled server-side from the description (§4.4);
// a description the compiler cannot resolve against the known schema
// vocabulary yields 422, not a stored-but-unroutable subscription.
func (s *Server) createSubscriptionHandler(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.compiler.Compile(c.Request.Context(), req.Description, req.GateEnabled)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	sub := subscription.Subscription{
		SubscriberID:   req.SubscriberID,
		Description:    req.Description,
		SubjectPattern: result.Pattern,
		TargetURL:      req.TargetURL,
		TargetMethod:   req.TargetMethod,
		TargetHeaders:  req.TargetHeaders,
		GateEnabled:    req.GateEnabled,
		GatePrompt:     result.GatePrompt,
		GateFailOpen:   req.GateFailOpen,
		Disposable:     req.Disposable,
	}

	created, err := s.subscriptions.Create(c.Request.Context(), sub)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	if err := s.supervisor.Reload(c.Request.Context()); err != nil {
		s.logReloadError(err)
	}

	c.JSON(http.StatusCreated, toSubscriptionResponse(*created))
}

// listSubscriptionsHandler handles GET /subscriptions/.
func (s *Server) listSubscriptionsHandler(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	subs, err := s.subscriptions.List(c.Request.Context(), page, size)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubscriptionResponse(sub))
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "page": page, "size": size})
}

// getSubscriptionHandler handles GET /subscriptions/{id}.
func (s *Server) getSubscriptionHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	sub, err := s.subscriptions.Get(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSubscriptionResponse(*sub))
}

// updateSubscriptionHandler handles PUT /subscriptions/{id}. A description
// change recompiles the pattern (§3.7); the running consumer set is
// reconciled before the call returns.
func (s *Server) updateSubscriptionHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}

	existing, err := s.subscriptions.Get(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pattern := existing.SubjectPattern
	gatePrompt := existing.GatePrompt
	if req.Description != existing.Description {
		result, err := s.compiler.Compile(c.Request.Context(), req.Description, req.GateEnabled)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		pattern = result.Pattern
		gatePrompt = result.GatePrompt
	}

	updated := subscription.Subscription{
		ID:             id,
		SubscriberID:   req.SubscriberID,
		Description:    req.Description,
		SubjectPattern: pattern,
		TargetURL:      req.TargetURL,
		TargetMethod:   req.TargetMethod,
		TargetHeaders:  req.TargetHeaders,
		GateEnabled:    req.GateEnabled,
		GatePrompt:     gatePrompt,
		GateFailOpen:   req.GateFailOpen,
		Disposable:     req.Disposable,
		Active:         existing.Active,
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	if err := s.subscriptions.Update(c.Request.Context(), updated); err != nil {
		writeStoreError(c, err)
		return
	}

	if err := s.supervisor.Reload(c.Request.Context()); err != nil {
		s.logReloadError(err)
	}

	saved, err := s.subscriptions.Get(c.Request.Context(), id)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSubscriptionResponse(*saved))
}

// deleteSubscriptionHandler handles DELETE /subscriptions/{id}. The
// consumer set is reconciled before responding, so the deleted
// subscription's consumer is guaranteed stopped by the time the caller
// sees 204 (§3.7: "reflected in the running consumer set before the API
// call returns").
func (s *Server) deleteSubscriptionHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if err := s.subscriptions.Delete(c.Request.Context(), id); err != nil {
		writeStoreError(c, err)
		return
	}
	if err := s.supervisor.Reload(c.Request.Context()); err != nil {
		s.logReloadError(err)
	}
	c.Status(http.StatusNoContent)
}

// listSubscriptionEventsHandler handles GET /subscriptions/{id}/events.
func (s *Server) listSubscriptionEventsHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if _, err := s.subscriptions.Get(c.Request.Context(), id); err != nil {
		writeStoreError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := s.events.ListEventsForSubscription(c.Request.Context(), id, limit)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	out := make([]deliveryResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toDeliveryResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}
