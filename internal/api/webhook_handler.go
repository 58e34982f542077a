package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pccr10001/gsmux/internal/model"
	"gorm.io/gorm"
)

type WebhookHandler struct {
	db *gorm.DB
}

func NewWebhookHandler(db *gorm.DB) *WebhookHandler {
	return &WebhookHandler{db: db}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	imei := c.Query("imei")
	if !canAccess(user, imei) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied for this modem"})
		return
	}
	var list []model.Webhook
	if err := h.db.Where("imei = ?", imei).Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *WebhookHandler) CreateWebhook(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	var wh model.Webhook
	if err := c.ShouldBindJSON(&wh); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if wh.IMEI == "" || wh.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "imei and url are required"})
		return
	}
	if !canAccess(user, wh.IMEI) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied for this modem"})
		return
	}
	switch wh.Event {
	case "":
		wh.Event = model.EventSMS
	case model.EventSMS, model.EventSocketClosed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event " + wh.Event})
		return
	}
	wh.Enabled = true

	if err := h.db.Create(&wh).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, wh)
}

func (h *WebhookHandler) DeleteWebhook(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var wh model.Webhook
	if err := h.db.First(&wh, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
		return
	}
	if !canAccess(user, wh.IMEI) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied for this modem"})
		return
	}
	if err := h.db.Delete(&model.Webhook{}, id).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
