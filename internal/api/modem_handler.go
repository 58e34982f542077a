package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pccr10001/gsmux/internal/gsm"
	"github.com/pccr10001/gsmux/internal/model"
	"github.com/pccr10001/gsmux/internal/worker"
	"gorm.io/gorm"
)

type ModemHandler struct {
	db *gorm.DB
	wm *worker.Manager
}

type modemWithWorker struct {
	model.Modem
	WorkerExists bool `json:"worker_exists"`
	Busy         bool `json:"busy"`
}

func NewModemHandler(db *gorm.DB, wm *worker.Manager) *ModemHandler {
	return &ModemHandler{db: db, wm: wm}
}

func (h *ModemHandler) ListModems(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}

	var modems []model.Modem
	db := h.db
	if user.Role != "admin" && user.AllowedModems != "*" {
		allowed := splitAllowed(user.AllowedModems)
		if len(allowed) == 0 {
			db = db.Where("1 = 0") // No access
		} else {
			db = db.Where("imei IN ?", allowed)
		}
	}

	if err := db.Find(&modems).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]modemWithWorker, 0, len(modems))
	for _, m := range modems {
		resp = append(resp, h.modemWithWorkerState(m))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ModemHandler) GetModem(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	imei := c.Param("imei")
	if !canAccess(user, imei) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied for this modem"})
		return
	}

	var modem model.Modem
	if err := h.db.First(&modem, "imei = ?", imei).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Modem not found"})
		return
	}
	c.JSON(http.StatusOK, h.modemWithWorkerState(modem))
}

func (h *ModemHandler) modemWithWorkerState(modem model.Modem) modemWithWorker {
	w := h.wm.GetWorkerByIMEI(modem.IMEI)
	return modemWithWorker{
		Modem:        modem,
		WorkerExists: w != nil,
		Busy:         w != nil && w.IsBusy(),
	}
}

func (h *ModemHandler) UpdateModem(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	if user.Role != "admin" {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var modem model.Modem
	if err := h.db.First(&modem, "imei = ?", c.Param("imei")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Modem not found"})
		return
	}

	modem.Name = req.Name
	if err := h.db.Model(&modem).Update("name", req.Name).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update modem"})
		return
	}
	c.JSON(http.StatusOK, modem)
}

func (h *ModemHandler) ScanNetworks(c *gin.Context) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return
	}
	if w.IsBusy() {
		c.JSON(http.StatusConflict, gin.H{"error": "Modem is busy"})
		return
	}

	networks, err := w.ScanNetworks()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Scan failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"networks": networks})
}

func (h *ModemHandler) SetOperator(c *gin.Context) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return
	}

	var req struct {
		Operator string `json:"operator"` // "AUTO" or operator name
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if w.IsBusy() {
		c.JSON(http.StatusConflict, gin.H{"error": "Modem is busy"})
		return
	}

	if err := w.SetOperator(req.Operator); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Set operator failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ModemHandler) ExecuteAT(c *gin.Context) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return
	}

	var req struct {
		Cmd     string `json:"cmd" binding:"required"`
		Timeout int    `json:"timeout"` // ms
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// keep the poll loop off the channel while the console runs
	w.SetBusy(true)
	defer w.SetBusy(false)

	timeout := 10 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	resp, err := w.ExecuteAT(req.Cmd, timeout)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "response": resp})
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": resp})
}

func (h *ModemHandler) SendSMS(c *gin.Context) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return
	}

	var req struct {
		Phone   string `json:"phone" binding:"required"`
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := w.SendSMS(req.Phone, req.Message); err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Send failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// ClearSMS empties the modem's message store.
func (h *ModemHandler) ClearSMS(c *gin.Context) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return
	}
	if err := w.ClearSIMStorage(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// ListSessions returns the socket session history of a modem.
func (h *ModemHandler) ListSessions(c *gin.Context) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	list, err := w.Sessions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gsm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gsm.ErrRejected), errors.Is(err, gsm.ErrWriteStalled):
		return http.StatusBadGateway
	case errors.Is(err, gsm.ErrSlotBusy):
		return http.StatusConflict
	case errors.Is(err, gsm.ErrBadMux), errors.Is(err, gsm.ErrSecureUnsupported), errors.Is(err, gsm.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, gsm.ErrNoFreeSlot):
		return http.StatusServiceUnavailable
	case errors.Is(err, gsm.ErrStale), errors.Is(err, gsm.ErrNotConnected):
		return http.StatusGone
	case errors.Is(err, worker.ErrNotReady), errors.Is(err, worker.ErrNoNetwork):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
