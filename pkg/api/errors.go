package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langhook-io/langhook/pkg/storeerr"
	"github.com/langhook-io/langhook/pkg/subscription"
)

// writeStoreError maps a store/compiler error onto the HTTP response the
// reference surface documents for it (§6): 400 for a validation failure,
// 404 for a missing row, 409 for a unique-key collision, 422 for a pattern
// the compiler could not resolve against the known schema vocabulary, and
// 500 for everything else.
func writeStoreError(c *gin.Context, err error) {
	var validErr *storeerr.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	var noSchema *subscription.NoSuitableSchemaError
	if errors.As(err, &noSchema) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": noSchema.Error()})
		return
	}
	if errors.Is(err, storeerr.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if errors.Is(err, storeerr.ErrAlreadyExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
		return
	}

	slog.Error("api: unexpected store error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
