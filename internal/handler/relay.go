package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metaaggregator/escrowgate/internal/middleware"
	"github.com/metaaggregator/escrowgate/internal/model"
	"github.com/metaaggregator/escrowgate/internal/pkg/apperrors"
	"github.com/metaaggregator/escrowgate/internal/service"
)

type RelayHandler struct {
	svc *service.RelayService
}

func NewRelayHandler(svc *service.RelayService) *RelayHandler {
	return &RelayHandler{svc: svc}
}

func (h *RelayHandler) Sign(c *gin.Context) {
	var req model.SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
		return
	}
	middleware.AddAuditContext(c, "primary_type", req.PrimaryType)

	resp, err := h.svc.Sign(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "digest", resp.Digest)
	middleware.AddAuditContext(c, "signer", resp.Signer)
	c.JSON(http.StatusOK, resp)
}

func (h *RelayHandler) Verify(c *gin.Context) {
	var req model.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
		return
	}
	middleware.AddAuditContext(c, "primary_type", req.PrimaryType)

	resp, err := h.svc.Verify(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "valid", resp.Valid)
	c.JSON(http.StatusOK, resp)
}

func (h *RelayHandler) Release(c *gin.Context) {
	var req model.ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
		return
	}

	resp, err := h.svc.BuildRelease(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	middleware.AddAuditContext(c, "primary_type", "Release")
	middleware.AddAuditContext(c, "digest", resp.Digest)
	middleware.AddAuditContext(c, "amount", resp.Amount)
	c.JSON(http.StatusOK, resp)
}

func (h *RelayHandler) Schemas(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Schemas())
}

func (h *RelayHandler) Signer(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.SignerInfo())
}
