package handlers

import (
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/intent"
	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/service"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

const maxFrameBytes = 8 << 20

// Scanner is the flow surface the handlers drive.
type Scanner interface {
	ID() string
	Snapshot() models.FlowSnapshot
	ToggleFacingMode(ctx context.Context) error
	Cancel(ctx context.Context) error
	Retry(ctx context.Context) error
	SelectSource(ctx context.Context, sourceID string) error
	Confirm(ctx context.Context, req service.ConfirmRequest) (*models.SubmissionAck, error)
}

// Device is the simulated platform: frame feed and permission callback.
type Device interface {
	Feed(img image.Image) error
	SetPermission(state models.PermissionState)
}

type NotificationFeed interface {
	Since(seq uint64) []models.Notification
}

type ScannerHandler struct {
	scanner       Scanner
	device        Device
	notifications NotificationFeed
	sources       interfaces.PaymentSourceProvider
	parser        *intent.Parser
	repo          interfaces.ScanEventRepository
}

func NewScannerHandler(
	scanner Scanner,
	device Device,
	notifications NotificationFeed,
	sources interfaces.PaymentSourceProvider,
	parser *intent.Parser,
	repo interfaces.ScanEventRepository,
) *ScannerHandler {
	return &ScannerHandler{
		scanner:       scanner,
		device:        device,
		notifications: notifications,
		sources:       sources,
		parser:        parser,
		repo:          repo,
	}
}

func (h *ScannerHandler) GetScanner(c *gin.Context) {
	c.JSON(http.StatusOK, h.scanner.Snapshot())
}

func (h *ScannerHandler) ToggleFacingMode(c *gin.Context) {
	h.command(c, h.scanner.ToggleFacingMode)
}

func (h *ScannerHandler) Cancel(c *gin.Context) {
	h.command(c, h.scanner.Cancel)
}

func (h *ScannerHandler) Retry(c *gin.Context) {
	h.command(c, h.scanner.Retry)
}

func (h *ScannerHandler) SelectSource(c *gin.Context) {
	var req struct {
		PaymentSourceID string `json:"payment_source_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.command(c, func(ctx context.Context) error {
		return h.scanner.SelectSource(ctx, req.PaymentSourceID)
	})
}

func (h *ScannerHandler) Confirm(c *gin.Context) {
	var req service.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ack, err := h.scanner.Confirm(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        ack.Status,
		"submission_id": ack.SubmissionID,
		"scanner":       h.scanner.Snapshot(),
	})
}

func (h *ScannerHandler) GetNotifications(c *gin.Context) {
	var since uint64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a sequence number"})
			return
		}
		since = v
	}
	c.JSON(http.StatusOK, gin.H{"notifications": h.notifications.Since(since)})
}

func (h *ScannerHandler) GetPaymentSources(c *gin.Context) {
	sources, err := h.sources.PaymentSources(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load payment sources"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_sources": sources})
}

// PushFrame feeds an uploaded PNG or JPEG to the simulated camera.
func (h *ScannerHandler) PushFrame(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameBytes)
	img, format, err := image.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a PNG or JPEG image"})
		return
	}

	if err := h.device.Feed(img); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	}

	telemetry.Logger.Debug("Frame queued", zap.String("format", format))
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *ScannerHandler) SetPermission(c *gin.Context) {
	var req struct {
		State string `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, ok := models.ParsePermissionState(req.State)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be one of granted, denied, prompt"})
		return
	}

	h.device.SetPermission(state)
	c.JSON(http.StatusOK, gin.H{"permission": state})
}

func (h *ScannerHandler) ParseIntent(c *gin.Context) {
	var req struct {
		Payload string `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.parser.Parse(req.Payload)
	if !result.OK() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unrecognized payload", "reason": result.Failure.Reason})
		return
	}
	c.JSON(http.StatusOK, result.Intent)
}

func (h *ScannerHandler) GetEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = v
	}

	events, err := h.repo.ListRecent(c.Request.Context(), h.scanner.ID(), limit)
	if err != nil {
		telemetry.Logger.Error("Failed to list scan events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch scan events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flow_id": h.scanner.ID(), "events": events})
}

func (h *ScannerHandler) command(c *gin.Context, fn func(ctx context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.scanner.Snapshot())
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrAmountRequired), errors.Is(err, models.ErrUnknownSource):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidStage), errors.Is(err, models.ErrRetryDisabled):
		status = http.StatusConflict
	case errors.Is(err, models.ErrTornDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		telemetry.Logger.Error("Scanner command failed", zap.Error(err))
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
