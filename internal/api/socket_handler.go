package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pccr10001/gsmux/internal/gsm"
	"github.com/pccr10001/gsmux/internal/worker"
)

// maxBody bounds one write request.
const maxBody = 64 << 10

type SocketHandler struct {
	wm *worker.Manager
}

func NewSocketHandler(wm *worker.Manager) *SocketHandler {
	return &SocketHandler{wm: wm}
}

func (h *SocketHandler) ListSockets(c *gin.Context) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, w.Sockets())
}

func (h *SocketHandler) Connect(c *gin.Context) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return
	}

	req := struct {
		Host      string `json:"host" binding:"required"`
		Port      int    `json:"port" binding:"required"`
		Mux       *int   `json:"mux"`
		Secure    bool   `json:"secure"`
		TimeoutMS int    `json:"timeout_ms"`
	}{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "port out of range"})
		return
	}
	mux := -1
	if req.Mux != nil {
		mux = *req.Mux
	}

	conn, err := w.OpenSocket(req.Host, req.Port, mux, req.Secure, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mux": conn.Mux(), "session": conn.Session()})
}

// socket resolves :mux to an open handle, answering the request when it can't.
func (h *SocketHandler) socket(c *gin.Context) (*worker.Conn, bool) {
	w, ok := activeWorker(c, h.wm)
	if !ok {
		return nil, false
	}
	mux, err := strconv.Atoi(c.Param("mux"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mux"})
		return nil, false
	}
	conn := w.Socket(mux)
	if conn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Socket not open"})
		return nil, false
	}
	return conn, true
}

func (h *SocketHandler) State(c *gin.Context) {
	conn, ok := h.socket(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mux":       conn.Mux(),
		"state":     conn.State().String(),
		"connected": conn.Connected(),
		"available": conn.Available(),
	})
}

func (h *SocketHandler) Write(c *gin.Context) {
	conn, ok := h.socket(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > maxBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}

	sent := 0
	for sent < len(body) {
		n, err := conn.Write(body[sent:])
		sent += n
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "sent": sent})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

func (h *SocketHandler) Read(c *gin.Context) {
	conn, ok := h.socket(c)
	if !ok {
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("max", "4096"))
	if err != nil || size <= 0 || size > maxBody {
		size = 4096
	}
	timeoutMS, _ := strconv.Atoi(c.Query("timeout_ms"))

	buf := make([]byte, size)
	n, err := conn.ReadTimeout(buf, time.Duration(timeoutMS)*time.Millisecond)
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof && !errors.Is(err, gsm.ErrTimeout) {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": base64.StdEncoding.EncodeToString(buf[:n]),
		"n":    n,
		"eof":  eof,
	})
}

func (h *SocketHandler) Close(c *gin.Context) {
	conn, ok := h.socket(c)
	if !ok {
		return
	}
	if err := conn.Close(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}
