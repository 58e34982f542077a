package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pccr10001/gsmux/internal/auth"
	"github.com/pccr10001/gsmux/internal/model"
	"github.com/pccr10001/gsmux/pkg/logger"
	"gorm.io/gorm"
)

var (
	errNoToken     = errors.New("authorization header required")
	errTokenFormat = errors.New("authorization header format must be Bearer {token}")
)

// bearerToken reads the token from the Authorization header. WebSocket
// handshakes from browsers can't set headers, so those may pass ?token=.
func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if t := c.Query("token"); t != "" && websocket.IsWebSocketUpgrade(c.Request) {
			return t, nil
		}
		return "", errNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", errTokenFormat
	}
	return token, nil
}

// AuthMiddleware validates the JWT and loads the user, so role and modem
// grants are always read fresh from the database.
func AuthMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			logger.Log.Debugf("auth: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			logger.Log.Warnf("auth: token rejected: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token: " + err.Error()})
			return
		}

		var user model.User
		if err := db.First(&user, claims.UserID).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
			return
		}

		c.Set("user", &user)
		c.Set("userID", user.ID)
		c.Set("role", user.Role)
		c.Next()
	}
}

func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := c.Get("role"); role != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}
