package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pccr10001/gsmux/internal/gsm"
	"github.com/pccr10001/gsmux/internal/worker"
	"github.com/pccr10001/gsmux/pkg/logger"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Stream bridges an open socket to a WebSocket. Binary frames from the
// client are written to the socket and socket data comes back the same way.
// The socket is closed when the client goes away.
func (h *SocketHandler) Stream(c *gin.Context) {
	conn, ok := h.socket(c)
	if !ok {
		return
	}
	ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Errorf("upgrade websocket failed: %v", err)
		return
	}
	defer ws.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pumpSocket(conn, ws)
	}()

	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		if err := writeFull(conn, raw); err != nil {
			logger.Log.Warnf("socket %d write: %v", conn.Mux(), err)
			break
		}
	}

	if err := conn.Close(); err != nil {
		logger.Log.Warnf("socket %d close: %v", conn.Mux(), err)
	}
	<-done
}

// pumpSocket forwards socket data until the socket ends, then sends a
// close frame.
func pumpSocket(conn *worker.Conn, ws *websocket.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.ReadTimeout(buf, 500*time.Millisecond)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err == nil || errors.Is(err, gsm.ErrTimeout) {
			continue
		}
		code, reason := websocket.CloseInternalServerErr, err.Error()
		if errors.Is(err, io.EOF) {
			code, reason = websocket.CloseNormalClosure, "closed by peer"
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		return
	}
}

func writeFull(conn *worker.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
