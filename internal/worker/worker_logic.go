package worker

import (
	"time"

	"github.com/pccr10001/gsmux/internal/config"
	"github.com/pccr10001/gsmux/internal/model"
)

// maintainInterval is how often an idle worker drains notifications so
// peer closes and inline data reach their sockets without a reader.
const maintainInterval = time.Second

func (w *ModemWorker) logicLoop() {
	interval := config.AppConfig.Modem.PollInterval
	if interval < time.Second {
		interval = 30 * time.Second
	}
	w.log.Infof("Starting polling loop with interval %v", interval)

	if config.AppConfig.Modem.SMS {
		w.checkSMS()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	maintain := time.NewTicker(maintainInterval)
	defer maintain.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.dead:
			w.log.Error("Port closed under the worker. Stopping.")
			return
		case mux := <-w.closedChan:
			w.handlePeerClosed(mux)
		case <-w.triggerChan:
			w.poll()
		case <-ticker.C:
			w.poll()
		case <-maintain.C:
			if !w.IsBusy() {
				w.modem.Maintain()
			}
		}
	}
}

func (w *ModemWorker) poll() {
	if w.IsBusy() {
		// manual command running
		return
	}
	w.refresh()
	w.flushTraffic()
	if config.AppConfig.Modem.SMS {
		w.checkSMS()
	}
}

func (w *ModemWorker) checkSMS() {
	pdus, err := w.modem.ListPDUs()
	if err != nil {
		w.log.Errorf("Failed CMGL: %v", err)
		return
	}
	for _, p := range pdus {
		w.processPDU(p.PDU)
		if p.Index < 0 {
			continue
		}
		if err := w.modem.DeleteSMS(p.Index); err != nil {
			w.log.Warnf("Failed to delete message %d: %v", p.Index, err)
		}
	}
}

func (w *ModemWorker) processPDU(raw string) {
	dec, err := DecodePDU(raw)
	if err != nil {
		w.log.Warnf("PDU decode: %v", err)
	}
	w.log.Infof("SMS From %s: %s", dec.Sender, dec.Content)

	sms := &model.SMS{
		IMEI:      w.IMEI(),
		Phone:     dec.Sender,
		Content:   dec.Content,
		Timestamp: dec.Timestamp,
		Type:      "received",
		RawPDU:    raw,
		CreatedAt: time.Now(),
	}
	if err := w.smsRepo.Create(sms); err != nil {
		w.log.Errorf("Failed to store SMS: %v", err)
		return
	}
	w.webhookService.Dispatch(sms)
}
