package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/metaaggregator/escrowgate/internal/middleware"
	"github.com/metaaggregator/escrowgate/internal/pkg/apperrors"
	"github.com/metaaggregator/escrowgate/internal/service"
)

type AdminHandler struct {
	relay *service.RelayService
	audit *service.AuditService
}

func NewAdminHandler(relay *service.RelayService, audit *service.AuditService) *AdminHandler {
	return &AdminHandler{relay: relay, audit: audit}
}

func (h *AdminHandler) RotateKey(c *gin.Context) {
	resp, err := h.relay.RotateKey(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "previous_signer", resp.Previous)
	middleware.AddAuditContext(c, "current_signer", resp.Current)
	c.JSON(http.StatusOK, resp)
}

// ListAudit returns recent audit entries. client filters by caller id; empty
// means all callers.
func (h *AdminHandler) ListAudit(c *gin.Context) {
	if h.audit == nil {
		_ = c.Error(apperrors.New(apperrors.ErrUnavailable, "audit log disabled", nil))
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	var fromPtr *time.Time
	var toPtr *time.Time
	if raw := c.Query("from"); raw != "" {
		if t, err := parseTime(raw); err == nil {
			fromPtr = &t
		} else {
			_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if t, err := parseTime(raw); err == nil {
			toPtr = &t
		} else {
			_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
	}

	records, err := h.audit.List(c.Request.Context(), c.Query("client"), limit, fromPtr, toPtr)
	if err != nil {
		_ = c.Error(apperrors.New(apperrors.ErrInternal, "audit query failed", err))
		return
	}
	c.JSON(http.StatusOK, records)
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format")
}
