package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"app error", NotFound("esim"), http.StatusNotFound},
		{"wrapped app error", fmt.Errorf("cancel: %w", Conflict("", "busy", nil)), http.StatusConflict},
		{"sentinel", fmt.Errorf("x: %w", ErrBadRequest), http.StatusBadRequest},
		{"unavailable", ErrUnavailable, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetStatusCode(tt.err))
		})
	}
}

func TestAppError_WithDetail(t *testing.T) {
	base := Conflict("CANNOT_CANCEL", "cannot cancel", nil)
	withOrder := base.WithDetail("orderId", "B1234")

	assert.Nil(t, base.Details)
	assert.Equal(t, "B1234", withOrder.Details["orderId"])

	resp := withOrder.ToResponse()
	assert.Equal(t, "CANNOT_CANCEL", resp.Error.Code)
	assert.Equal(t, "B1234", resp.Error.Details["orderId"])
	assert.ErrorIs(t, withOrder, ErrConflict)
}
