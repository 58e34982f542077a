package main

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/pccr10001/gsmux/internal/api"
	"github.com/pccr10001/gsmux/internal/auth"
	"github.com/pccr10001/gsmux/internal/config"
	"github.com/pccr10001/gsmux/internal/mccmnc"
	"github.com/pccr10001/gsmux/internal/model"
	"github.com/pccr10001/gsmux/internal/worker"
	"github.com/pccr10001/gsmux/pkg/logger"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Config
	config.LoadConfig()

	// 2. Init Logger
	logger.InitLogger(config.AppConfig.Log.Level)
	logger.Log.Info("Starting modem socket gateway...")

	auth.Configure(config.AppConfig.Auth.JWTSecret, config.AppConfig.Auth.TokenTTL)

	// Load MCCMNC
	if err := mccmnc.LoadOperators("mcc_mnc.json"); err != nil {
		logger.Log.Warnf("Failed to load MCC/MNC data: %v", err)
	}

	// 3. Init Database
	db := initDB()

	// 4. Start Worker Manager
	wm := worker.NewManager(db)
	wm.Start()

	// 5. Init Router
	if config.AppConfig.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	api.Register(r, db, wm)

	srv := &http.Server{Addr: config.AppConfig.Server.Port, Handler: r}
	go func() {
		logger.Log.Infof("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Warnf("HTTP shutdown: %v", err)
	}
	wm.Stop()
	_ = logger.Log.Sync()
}

func initDB() *gorm.DB {
	var db *gorm.DB
	var err error

	driver := config.AppConfig.Database.Driver
	dsn := config.AppConfig.Database.DSN

	switch driver {
	case "mysql":
		db, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	default:
		// Default to SQLite (pure Go)
		if dsn == "" {
			dsn = "gsmux.db"
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	}

	if err != nil {
		logger.Log.Fatalf("Failed to connect database (%s): %v", driver, err)
	}

	if err := db.AutoMigrate(&model.User{}, &model.Modem{}, &model.SMS{}, &model.Webhook{}, &model.SocketSession{}); err != nil {
		logger.Log.Fatalf("Failed to migrate database: %v", err)
	}

	// Init Admin
	var count int64
	db.Model(&model.User{}).Count(&count)
	if count == 0 {
		pw := config.AppConfig.Users.DefaultAdminPassword
		generated := pw == ""
		if generated {
			pw = randomPassword(12)
		}

		bytes, err := bcrypt.GenerateFromPassword([]byte(pw), 14)
		if err != nil {
			logger.Log.Fatalf("Failed to hash password: %v", err)
		}

		admin := model.User{
			Username:      "admin",
			PasswordHash:  string(bytes),
			Role:          "admin",
			AllowedModems: "*",
		}
		db.Create(&admin)
		if generated {
			logger.Log.Warnf("INITIAL ADMIN CREATED. Username: admin, Password: %s", pw)
		} else {
			logger.Log.Warn("INITIAL ADMIN CREATED with the configured password. Username: admin")
		}
	}

	return db
}

func randomPassword(n int) string {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	ret := make([]byte, n)
	for i := range ret {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			logger.Log.Fatalf("Failed to generate random password: %v", err)
		}
		ret[i] = chars[num.Int64()]
	}
	return string(ret)
}
