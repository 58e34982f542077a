package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pccr10001/gsmux/internal/model"
	"github.com/pccr10001/gsmux/internal/worker"
)

func currentUser(c *gin.Context) (*model.User, bool) {
	userObj, exists := c.Get("user")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return nil, false
	}
	return userObj.(*model.User), true
}

func splitAllowed(s string) []string {
	if s == "" || s == "*" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// canAccess reports whether user may operate the modem with imei.
// AllowedModems is a comma separated IMEI list, "*" meaning all.
func canAccess(user *model.User, imei string) bool {
	if user.Role == "admin" || user.AllowedModems == "*" {
		return true
	}
	for _, a := range splitAllowed(user.AllowedModems) {
		if strings.TrimSpace(a) == imei {
			return true
		}
	}
	return false
}

// activeWorker checks access to the :imei modem and returns its worker,
// answering the request itself when either fails.
func activeWorker(c *gin.Context, wm *worker.Manager) (*worker.ModemWorker, bool) {
	user, ok := currentUser(c)
	if !ok {
		return nil, false
	}
	imei := c.Param("imei")
	if !canAccess(user, imei) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied for this modem"})
		return nil, false
	}
	w := wm.GetWorkerByIMEI(imei)
	if w == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Modem not active (worker not found)"})
		return nil, false
	}
	return w, true
}
