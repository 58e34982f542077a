package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pccr10001/gsmux/internal/model"
	"github.com/pccr10001/gsmux/internal/worker"
	"github.com/pccr10001/gsmux/pkg/logger"
	"gorm.io/gorm"
)

type SMSHandler struct {
	db *gorm.DB
}

func NewSMSHandler(db *gorm.DB) *SMSHandler {
	return &SMSHandler{db: db}
}

func (h *SMSHandler) ListSMS(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		return
	}
	isAdmin := user.Role == "admin" || user.AllowedModems == "*"

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}

	query := h.db.Model(&model.SMS{})

	if imei := c.Query("imei"); imei != "" {
		if !canAccess(user, imei) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied for this modem"})
			return
		}
		query = query.Where("imei = ?", imei)
	} else if !isAdmin {
		allowed := splitAllowed(user.AllowedModems)
		if len(allowed) == 0 {
			query = query.Where("1 = 0")
		} else {
			query = query.Where("imei IN ?", allowed)
		}
	}

	var total int64
	query.Count(&total)

	var smsList []model.SMS
	if err := query.Order("timestamp desc").Limit(limit).Offset((page - 1) * limit).Find(&smsList).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Rows stored before decoding worked are decoded again on read.
	for i, s := range smsList {
		if s.Content != "" || s.Phone != "" || s.RawPDU == "" {
			continue
		}
		dec, err := worker.DecodePDU(s.RawPDU)
		if err != nil {
			logger.Log.Warnf("SMS %d: %v", s.ID, err)
		}
		smsList[i].Content = dec.Content
		smsList[i].Phone = dec.Sender
		h.db.Model(&smsList[i]).Updates(map[string]interface{}{"content": dec.Content, "phone": dec.Sender})
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  smsList,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}
