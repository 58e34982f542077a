package logic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/pccr10001/gsmux/internal/model"
	"github.com/pccr10001/gsmux/internal/repository"
	"github.com/pccr10001/gsmux/pkg/logger"
)

type WebhookService struct {
	repo   *repository.WebhookRepository
	client *http.Client
}

func NewWebhookService(repo *repository.WebhookRepository, timeout time.Duration) *WebhookService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookService{repo: repo, client: &http.Client{Timeout: timeout}}
}

// Dispatch notifies every sms webhook of the receiving modem.
func (s *WebhookService) Dispatch(sms *model.SMS) {
	s.dispatch(sms.IMEI, model.EventSMS, sms.Content, "sms", sms)
}

// DispatchSocketClosed notifies socket_closed webhooks that the far side
// ended a connection.
func (s *WebhookService) DispatchSocketClosed(session *model.SocketSession) {
	text := fmt.Sprintf("Socket %d to %s:%d closed (%s)", session.Mux, session.Host, session.Port, session.CloseReason)
	s.dispatch(session.IMEI, model.EventSocketClosed, text, "session", session)
}

func (s *WebhookService) dispatch(imei, event, text, key string, data any) {
	webhooks, err := s.repo.FindEnabled(imei, event)
	if err != nil {
		logger.Log.Errorf("Failed to fetch %s webhooks for IMEI %s: %v", event, imei, err)
		return
	}

	for _, wh := range webhooks {
		go s.sendWebhook(wh, text, key, data)
	}
}

func (s *WebhookService) sendWebhook(wh model.Webhook, text, key string, data any) {
	content := text
	if wh.Template != "" {
		tmpl, err := template.New("msg").Parse(wh.Template)
		if err == nil {
			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, data); err == nil {
				content = buf.String()
			}
		}
	}

	var payload []byte
	var err error

	switch wh.Platform {
	case "telegram":
		body := map[string]interface{}{
			"text":       content,
			"parse_mode": "Markdown",
		}
		if wh.ChannelID != "" {
			body["chat_id"] = wh.ChannelID
		}
		if strings.Contains(wh.URL, "slack.com") {
			body = map[string]interface{}{"text": content}
		}
		payload, err = json.Marshal(body)
	case "slack":
		payload, err = json.Marshal(map[string]interface{}{"text": content})
	default:
		payload, err = json.Marshal(map[string]interface{}{
			"text":  content,
			"event": wh.Event,
			key:     data,
		})
	}

	if err != nil {
		logger.Log.Errorf("Failed to marshal webhook payload: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		logger.Log.Errorf("Failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Log.Errorf("Failed to send webhook to %s: %v", wh.URL, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		logger.Log.Errorf("Webhook %s returned status: %d", wh.URL, resp.StatusCode)
	} else {
		logger.Log.Infof("Webhook sent to %s", wh.URL)
	}
}
