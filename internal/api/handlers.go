package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/access"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/database"
	"github.com/CodeMonkeyCybersecurity/wpscan/internal/validation"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/scanners/wordpress"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

type targetRequest struct {
	URL string `json:"url" binding:"required"`
}

type saveScanRequest struct {
	URL      string            `json:"url" binding:"required"`
	ScanData *types.ScanResult `json:"scanData" binding:"required"`
}

// Save outcomes reported to telemetry.
const (
	saveOutcomeSaved   = "saved"
	saveOutcomeDenied  = "denied"
	saveOutcomeInvalid = "invalid"
	saveOutcomeError   = "error"
)

func (h *handlers) detect(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Request body must be JSON with a url field"})
		return
	}

	ctx := c.Request.Context()
	log := h.requestLog(c)

	if cached, err := h.cache.GetDetection(ctx, req.URL); err != nil {
		log.Warnw("Detection cache read failed", "error", err)
	} else if cached != nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	result, err := h.detector.Detect(ctx, req.URL)
	if err != nil {
		h.writeScanError(c, req.URL, err)
		return
	}
	h.telemetry.RecordDetection(ctx, result.IsWordPress)

	if err := h.cache.SetDetection(ctx, req.URL, result); err != nil {
		log.Warnw("Detection cache write failed", "error", err)
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) scan(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Request body must be JSON with a url field"})
		return
	}

	ctx := c.Request.Context()
	log := h.requestLog(c)

	if cached, err := h.cache.GetScan(ctx, req.URL); err != nil {
		log.Warnw("Scan cache read failed", "error", err)
	} else if cached != nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	result, err := h.scanner.Scan(ctx, req.URL)
	if err != nil {
		h.writeScanError(c, req.URL, err)
		return
	}

	if err := h.cache.SetScan(ctx, req.URL, result); err != nil {
		log.Warnw("Scan cache write failed", "error", err)
	}
	c.JSON(http.StatusOK, result)
}

// writeScanError maps detector and scanner errors to {message} responses.
func (h *handlers) writeScanError(c *gin.Context, target string, err error) {
	log := h.requestLog(c)
	switch {
	case errors.Is(err, validation.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, wordpress.ErrTargetUnreachable):
		log.Warnw("Target unreachable", "url", target, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"message": "Could not reach " + target})
	case isClientGone(c.Request.Context(), err):
		log.Debugw("Client went away during request", "url", target)
		c.Status(499)
	default:
		log.LogError(c.Request.Context(), err, "api.scan", "url", target)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Scan failed"})
	}
}

// userID returns the identity asserted by the upstream auth service.
func (h *handlers) userID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.GetHeader(h.userHeader))
	return id, id != ""
}

func (h *handlers) saveScan(c *gin.Context) {
	ctx := c.Request.Context()
	log := h.requestLog(c)

	userID, ok := h.userID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req saveScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.telemetry.RecordSave(ctx, saveOutcomeInvalid)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must include url and scanData"})
		return
	}
	target, err := validation.ValidateURLWithOptions(req.URL, h.urlOpts)
	if err != nil {
		h.telemetry.RecordSave(ctx, saveOutcomeInvalid)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reported, err := validation.ValidateURLWithOptions(req.ScanData.URL, h.urlOpts)
	if err != nil || reported.String() != target.String() {
		h.telemetry.RecordSave(ctx, saveOutcomeInvalid)
		c.JSON(http.StatusBadRequest, gin.H{"error": "scanData.url does not match url"})
		return
	}
	if !req.ScanData.Consistent() {
		h.telemetry.RecordSave(ctx, saveOutcomeInvalid)
		c.JSON(http.StatusBadRequest, gin.H{"error": "scanData vulnerability totals do not agree"})
		return
	}

	scannedAt := req.ScanData.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now()
	}
	req.ScanData.URL = target.String()
	saved := &types.SavedScan{
		UserID:               userID,
		URL:                  target.String(),
		ScannedAt:            scannedAt,
		RiskScore:            req.ScanData.RiskScore,
		TotalVulnerabilities: req.ScanData.TotalVulnerabilities,
		Data:                 req.ScanData,
	}
	if err := h.authorizer.SaveWithinPlan(ctx, saved); err != nil {
		var denial *access.Denial
		if errors.As(err, &denial) {
			h.telemetry.RecordSave(ctx, saveOutcomeDenied)
			c.JSON(http.StatusForbidden, gin.H{
				"error":           denial.Reason,
				"requiresUpgrade": denial.RequiresUpgrade,
			})
			return
		}
		h.telemetry.RecordSave(ctx, saveOutcomeError)
		log.LogError(ctx, err, "api.saveScan", "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save scan"})
		return
	}

	h.telemetry.RecordSave(ctx, saveOutcomeSaved)
	log.Infow("Scan saved", "user_id", userID, "url", saved.URL, "scan_id", saved.ID)
	c.JSON(http.StatusOK, gin.H{"success": true, "id": saved.ID})
}

func (h *handlers) listScans(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	scans, err := h.store.ListScans(c.Request.Context(), userID, limit)
	if err != nil {
		h.requestLog(c).LogError(c.Request.Context(), err, "api.listScans", "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list scans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

func (h *handlers) getScan(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	scan, err := h.store.GetScan(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Scan not found"})
			return
		}
		h.requestLog(c).LogError(c.Request.Context(), err, "api.getScan", "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load scan"})
		return
	}
	c.JSON(http.StatusOK, scan)
}
