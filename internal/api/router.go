package api

import (
	"github.com/gin-gonic/gin"
	"github.com/pccr10001/gsmux/internal/metrics"
	"github.com/pccr10001/gsmux/internal/worker"
	"gorm.io/gorm"
)

// Register mounts the HTTP API on r.
func Register(r *gin.Engine, db *gorm.DB, wm *worker.Manager) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	mh := NewModemHandler(db, wm)
	sk := NewSocketHandler(wm)
	sh := NewSMSHandler(db)
	wh := NewWebhookHandler(db)
	uh := NewUserHandler(db)

	apiGroup := r.Group("/api/v1")
	{
		apiGroup.POST("/login", uh.Login)

		// Authenticated Routes
		authGroup := apiGroup.Group("/")
		authGroup.Use(AuthMiddleware(db))
		{
			authGroup.POST("/change_password", uh.ChangePassword)

			authGroup.GET("/modems", mh.ListModems)
			authGroup.GET("/modems/:imei", mh.GetModem)
			authGroup.PUT("/modems/:imei", mh.UpdateModem)
			authGroup.POST("/modems/:imei/scan", mh.ScanNetworks)
			authGroup.POST("/modems/:imei/operator", mh.SetOperator)
			authGroup.POST("/modems/:imei/at", mh.ExecuteAT)
			authGroup.POST("/modems/:imei/sms", mh.SendSMS)
			authGroup.DELETE("/modems/:imei/sms", mh.ClearSMS)
			authGroup.GET("/modems/:imei/sessions", mh.ListSessions)

			authGroup.GET("/modems/:imei/sockets", sk.ListSockets)
			authGroup.POST("/modems/:imei/sockets", sk.Connect)
			authGroup.GET("/modems/:imei/sockets/:mux", sk.State)
			authGroup.POST("/modems/:imei/sockets/:mux/write", sk.Write)
			authGroup.GET("/modems/:imei/sockets/:mux/read", sk.Read)
			authGroup.DELETE("/modems/:imei/sockets/:mux", sk.Close)
			authGroup.GET("/modems/:imei/sockets/:mux/ws", sk.Stream)

			authGroup.GET("/sms", sh.ListSMS)

			// Admin Only
			adminGroup := authGroup.Group("/")
			adminGroup.Use(AdminOnly())
			{
				adminGroup.GET("/webhooks", wh.ListWebhooks)
				adminGroup.POST("/webhooks", wh.CreateWebhook)
				adminGroup.DELETE("/webhooks/:id", wh.DeleteWebhook)

				adminGroup.GET("/users", uh.ListUsers)
				adminGroup.POST("/users", uh.CreateUser)
				adminGroup.PUT("/users/:id", uh.UpdateUser)
				adminGroup.DELETE("/users/:id", uh.DeleteUser)
			}
		}
	}
}
