package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/pccr10001/gsmux/internal/config"
	"github.com/pccr10001/gsmux/internal/dialect"
	"github.com/pccr10001/gsmux/internal/gsm"
	"github.com/pccr10001/gsmux/internal/logic"
	"github.com/pccr10001/gsmux/internal/mccmnc"
	"github.com/pccr10001/gsmux/internal/model"
	"github.com/pccr10001/gsmux/internal/repository"
	"github.com/pccr10001/gsmux/pkg/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const probeRetries = 4

var (
	ErrNotReady  = errors.New("modem not initialized")
	ErrNoNetwork = errors.New("modem not registered on a network")
	errDuplicate = errors.New("modem already managed by another port")
)

// ModemWorker drives one serial port: it owns the engine, the modem's
// database row and every socket opened through it.
type ModemWorker struct {
	PortName string
	// attached workers run over a caller supplied stream and are not
	// subject to port scanning.
	attached bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	modem  *gsm.Modem
	closer io.Closer
	dead   <-chan struct{}
	log    *zap.SugaredLogger

	busyMu sync.Mutex
	busy   bool

	repo           *repository.ModemRepository
	smsRepo        *repository.SMSRepository
	sessionRepo    *repository.SessionRepository
	webhookService *logic.WebhookService
	manager        *Manager

	infoMu sync.RWMutex
	info   *model.Modem

	sockMu  sync.Mutex
	sockets map[int]*Conn

	closedChan  chan int
	triggerChan chan struct{}
}

func NewModemWorker(portName string, db *gorm.DB, manager *Manager) *ModemWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &ModemWorker{
		PortName:       portName,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		log:            logger.Named(portName),
		repo:           repository.NewModemRepository(db),
		smsRepo:        repository.NewSMSRepository(db),
		sessionRepo:    repository.NewSessionRepository(db),
		webhookService: logic.NewWebhookService(repository.NewWebhookRepository(db), config.AppConfig.Webhook.Timeout),
		manager:        manager,
		sockets:        make(map[int]*Conn),
		closedChan:     make(chan int, 16),
		triggerChan:    make(chan struct{}, 1),
	}
}

func (w *ModemWorker) Start() {
	go w.run()
}

func (w *ModemWorker) Stop() {
	w.cancel()
}

// Done is closed once the worker released its port.
func (w *ModemWorker) Done() <-chan struct{} {
	return w.done
}

func (w *ModemWorker) run() {
	defer close(w.done)
	w.log.Info("Worker running")

	sc := config.AppConfig.Serial
	var opts []atchan.Option
	if sc.BufferSize > 0 {
		opts = append(opts, atchan.WithBufferSize(sc.BufferSize))
	}
	ch, err := atchan.OpenSerial(w.PortName, sc.BaudRate, sc.ReadTimeout, opts...)
	if err != nil {
		w.log.Errorf("Failed to open port: %v", err)
		return
	}
	if err := w.attach(ch, ch, ch.Done()); err != nil {
		w.log.Error(err)
		ch.Close()
		return
	}
	w.serve()
}

// serve initializes the attached modem and polls it until stopped.
func (w *ModemWorker) serve() {
	defer func() {
		if err := w.shutdown(); err != nil {
			w.log.Warnf("Shutdown: %v", err)
		}
		w.log.Info("Worker stopped")
	}()

	if err := w.initModem(); err != nil {
		w.log.Warnf("Init failed: %v. Skipping port.", err)
		return
	}
	w.logicLoop()
}

// attach builds the engine for the configured dialect on top of s.
// dead, when non-nil, is closed once the transport fails.
func (w *ModemWorker) attach(s atchan.Stream, closer io.Closer, dead <-chan struct{}) error {
	mc := config.AppConfig.Modem
	d, err := dialect.Lookup(mc.Dialect)
	if err != nil {
		return err
	}
	m, err := gsm.New(s, d, gsm.Options{
		RxBufferSize:   mc.RxBufferSize,
		CommandTimeout: mc.CommandTimeout,
		ConnectTimeout: mc.ConnectTimeout,
		ReadTimeout:    mc.ReadTimeout,
		Logger:         w.log,
		OnPeerClosed:   w.peerClosed,
	})
	if err != nil {
		return fmt.Errorf("dialect %s: %w", d.Name, err)
	}
	w.modem = m
	w.closer = closer
	w.dead = dead
	return nil
}

// shutdown closes every socket session, marks the modem offline and
// releases the port.
func (w *ModemWorker) shutdown() error {
	var err error

	w.sockMu.Lock()
	conns := w.sockets
	w.sockets = make(map[int]*Conn)
	w.sockMu.Unlock()
	for _, c := range conns {
		err = multierr.Append(err, w.finish(c, CloseShutdown))
	}

	if imei := w.IMEI(); imei != "" {
		err = multierr.Append(err, w.repo.SetStatus(imei, "offline"))
		w.manager.UnregisterIMEI(w.PortName, imei)
	}
	if w.closer != nil {
		err = multierr.Append(err, w.closer.Close())
	}
	return err
}

func (w *ModemWorker) probe() error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), probeRetries)

	return backoff.RetryNotify(func() error {
		if w.modem.TestAT(config.AppConfig.Modem.ProbeTimeout) {
			return nil
		}
		return gsm.ErrTimeout
	}, backoff.WithContext(b, w.ctx), func(err error, next time.Duration) {
		w.log.Debugf("Probe failed (%v), retrying in %v", err, next)
	})
}

func (w *ModemWorker) initModem() error {
	mc := config.AppConfig.Modem

	// transparent-mode modems ignore AT until they are switched over
	if w.modem.Dialect().GuardTime > 0 {
		if err := w.modem.CommandModeSetup(mc.APN, mc.User, mc.Password, probeRetries); err != nil {
			return fmt.Errorf("command mode: %w", err)
		}
	}
	if err := w.probe(); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if err := w.modem.Init(mc.PIN); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	for _, cmd := range config.AppConfig.Serial.InitATCommands {
		if _, err := w.modem.Exec(cmd, 5*time.Second); err != nil {
			w.log.Warnf("Init command %s: %v", cmd, err)
		}
	}

	imei, err := w.modem.IMEI()
	if err != nil {
		return fmt.Errorf("read IMEI: %w", err)
	}
	if !w.manager.RegisterIMEI(w.PortName, imei) {
		return fmt.Errorf("%w: IMEI %s", errDuplicate, imei)
	}
	w.log.Infof("Found IMEI: %s", imei)

	info, err := w.modem.ModemInfo()
	if err != nil {
		w.log.Warnf("Failed to ATI: %v", err)
	}
	w.setInfo(&model.Modem{
		IMEI:     imei,
		Dialect:  w.modem.Dialect().Name,
		Info:     info,
		PortName: w.PortName,
		Status:   "online",
		LastSeen: time.Now(),
	})

	if mc.APN != "" {
		if err := w.modem.BearerConnect(mc.APN, mc.User, mc.Password); err != nil {
			w.log.Errorf("Bearer %s: %v", mc.APN, err)
		}
	}

	w.refresh()
	m := w.Info()
	w.log.Infof("Modem registered: %s Op: %s Sig: %d%%", imei, m.Operator, m.SignalStrength)
	return nil
}

// refresh re-reads network state and persists it.
func (w *ModemWorker) refresh() {
	m := w.Info()
	if m == nil {
		return
	}

	m.SignalStrength = signalPercent(w.modem.SignalQuality())
	if op, err := w.modem.Operator(); err == nil {
		m.Operator = mccmnc.Resolve(op)
	} else {
		w.log.Errorf("Failed COPS: %v", err)
	}
	m.Registration = w.modem.RegistrationStatus().String()
	if ip, err := w.modem.LocalIP(); err == nil {
		m.LocalIP = ip
	}
	m.Status = "online"
	m.LastSeen = time.Now()

	w.setInfo(m)
	if err := w.repo.Upsert(m); err != nil {
		w.log.Errorf("Failed to save modem %s: %v", m.IMEI, err)
	}
}

// signalPercent converts CSQ rssi 0-31 to 0-100%. 99 (unknown) is 0.
func signalPercent(rssi int) int {
	if rssi < 0 || rssi > 31 {
		return 0
	}
	return int(float64(rssi) / 31.0 * 100.0)
}

// Info returns a copy of the modem row, or nil before identification.
func (w *ModemWorker) Info() *model.Modem {
	w.infoMu.RLock()
	defer w.infoMu.RUnlock()
	if w.info == nil {
		return nil
	}
	c := *w.info
	return &c
}

func (w *ModemWorker) setInfo(m *model.Modem) {
	w.infoMu.Lock()
	w.info = m
	w.infoMu.Unlock()
}

func (w *ModemWorker) IMEI() string {
	w.infoMu.RLock()
	defer w.infoMu.RUnlock()
	if w.info == nil {
		return ""
	}
	return w.info.IMEI
}

func (w *ModemWorker) ready() error {
	if w.modem == nil || w.IMEI() == "" {
		return ErrNotReady
	}
	return nil
}

// ExecuteAT runs a raw command for the API console.
func (w *ModemWorker) ExecuteAT(cmd string, timeout time.Duration) (string, error) {
	if err := w.ready(); err != nil {
		return "", err
	}
	w.log.Debugf("TX: %s", cmd)
	resp, err := w.modem.Exec(cmd, timeout)
	w.log.Debugf("RX: %q", resp)
	return resp, err
}

func (w *ModemWorker) SetBusy(b bool) {
	w.busyMu.Lock()
	w.busy = b
	w.busyMu.Unlock()
}

func (w *ModemWorker) IsBusy() bool {
	w.busyMu.Lock()
	defer w.busyMu.Unlock()
	return w.busy
}

// SendSMS sends text to number and stores it as a sent message.
func (w *ModemWorker) SendSMS(number, text string) error {
	if err := w.ready(); err != nil {
		return err
	}
	w.SetBusy(true)
	defer w.SetBusy(false)

	if err := w.modem.SendSMS(number, text); err != nil {
		return err
	}
	return w.smsRepo.Create(&model.SMS{
		IMEI:      w.IMEI(),
		Phone:     number,
		Content:   text,
		Timestamp: time.Now(),
		Type:      "sent",
		IsRead:    true,
	})
}

// ClearSIMStorage deletes every message held by the modem. Rows already
// stored in the database are kept.
func (w *ModemWorker) ClearSIMStorage() error {
	if err := w.ready(); err != nil {
		return err
	}
	w.SetBusy(true)
	defer w.SetBusy(false)
	return w.modem.DeleteAllSMS()
}

var copsEntry = regexp.MustCompile(`\(([^)]+)\)`)

func (w *ModemWorker) ScanNetworks() ([]string, error) {
	if err := w.ready(); err != nil {
		return nil, err
	}
	w.SetBusy(true)
	defer w.SetBusy(false)

	// +COPS: (2,"Chunghwa Telecom","CHT","46692",7),(1,"Far EasTone","FET","46601",7),,,(0-4),(0-2)
	resp, err := w.modem.Exec("+COPS=?", 120*time.Second)
	if err != nil {
		return nil, err
	}
	networks := parseNetworks(resp)
	if len(networks) == 0 {
		return []string{resp}, nil
	}
	return networks, nil
}

// parseNetworks formats each +COPS=? entry as "Name (MCCMNC) [Status]".
func parseNetworks(resp string) []string {
	var networks []string
	for _, match := range copsEntry.FindAllStringSubmatch(resp, -1) {
		parts := strings.Split(match[1], ",")
		if len(parts) < 4 {
			continue // (0-4) style ranges
		}

		stat := strings.TrimSpace(parts[0])
		long := strings.Trim(parts[1], "\"")
		numeric := strings.Trim(parts[3], "\"")
		if long == "" {
			long = mccmnc.Resolve(numeric)
		}
		if long == "" {
			long = "Unknown"
		}

		var statStr string
		switch stat {
		case "1":
			statStr = "Available"
		case "2":
			statStr = "Current"
		case "3":
			statStr = "Forbidden"
		default:
			statStr = "Unknown"
		}
		networks = append(networks, fmt.Sprintf("%s (%s) [%s]", long, numeric, statStr))
	}
	return networks
}

// SetOperator selects oper manually, or automatic selection for "" and "AUTO".
func (w *ModemWorker) SetOperator(oper string) error {
	if err := w.ready(); err != nil {
		return err
	}
	w.SetBusy(true)
	defer w.SetBusy(false)

	cmd := "+COPS=0"
	if oper != "" && oper != "AUTO" {
		cmd = fmt.Sprintf("+COPS=1,0,\"%s\"", oper)
	}
	_, err := w.modem.Exec(cmd, 60*time.Second)
	if err == nil {
		w.trigger()
	}
	return err
}

func (w *ModemWorker) trigger() {
	select {
	case w.triggerChan <- struct{}{}:
	default:
	}
}
