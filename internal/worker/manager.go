package worker

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/pccr10001/gsmux/internal/config"
	"github.com/pccr10001/gsmux/internal/metrics"
	"github.com/pccr10001/gsmux/internal/repository"
	"github.com/pccr10001/gsmux/pkg/logger"
	"go.bug.st/serial"
	"gorm.io/gorm"
)

type Manager struct {
	workers     map[string]*ModemWorker
	activeIMEIs map[string]string // imei -> portName
	mu          sync.RWMutex
	stop        chan struct{}
	stopOnce    sync.Once
	db          *gorm.DB

	// listPorts discovers candidate ports when serial.ports is empty.
	listPorts func() ([]string, error)
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{
		workers:     make(map[string]*ModemWorker),
		activeIMEIs: make(map[string]string),
		stop:        make(chan struct{}),
		db:          db,
		listPorts:   serial.GetPortsList,
	}
}

func (m *Manager) Start() {
	scanInterval := config.AppConfig.Serial.ScanInterval
	if scanInterval < time.Second {
		scanInterval = 3 * time.Second
	}

	repository.NewModemRepository(m.db).MarkAllOffline()
	if err := repository.NewSessionRepository(m.db).CloseAllOpen(CloseShutdown); err != nil {
		logger.Log.Warnf("Failed to close stale socket sessions: %v", err)
	}

	logger.Log.Info("Worker Manager started, scanning ports every ", scanInterval)

	m.ScanAndManage()
	for _, addr := range config.AppConfig.Serial.Remote {
		go m.dialRemote(addr)
	}

	go func() {
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ScanAndManage()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop stops every worker and waits until their ports are released.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	workers := make([]*ModemWorker, 0, len(m.workers))
	for p, w := range m.workers {
		w.Stop()
		workers = append(workers, w)
		delete(m.workers, p)
	}
	m.mu.Unlock()

	for _, w := range workers {
		<-w.Done()
	}
}

func (m *Manager) ScanAndManage() {
	validPorts := m.candidatePorts()
	if validPorts == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for p := range validPorts {
		if _, exists := m.workers[p]; !exists {
			logger.Log.Infof("Found new port: %s. Starting worker...", p)
			w := NewModemWorker(p, m.db, m)
			m.workers[p] = w
			w.Start()
		}
	}

	for p, w := range m.workers {
		if !validPorts[p] && !w.attached {
			logger.Log.Infof("Port %s gone. Stopping worker...", p)
			w.Stop()
			delete(m.workers, p)
		}
	}
}

// Attach serves a modem reached through an already open stream under name.
// closer, if set, is closed when the worker stops.
func (m *Manager) Attach(name string, s atchan.Stream, closer io.Closer, dead <-chan struct{}) (*ModemWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[name]; exists {
		return nil, fmt.Errorf("worker %s already running", name)
	}

	w := NewModemWorker(name, m.db, m)
	w.attached = true
	if err := w.attach(s, closer, dead); err != nil {
		return nil, err
	}
	m.workers[name] = w
	go func() {
		defer close(w.done)
		w.serve()
	}()
	return w, nil
}

func (m *Manager) dialRemote(addr string) {
	sc := config.AppConfig.Serial
	var opts []atchan.Option
	if sc.BufferSize > 0 {
		opts = append(opts, atchan.WithBufferSize(sc.BufferSize))
	}
	ch, err := atchan.DialTCP(addr, 10*time.Second, opts...)
	if err != nil {
		logger.Log.Errorf("Failed to reach serial bridge %s: %v", addr, err)
		return
	}
	if _, err := m.Attach(addr, ch, ch, ch.Done()); err != nil {
		logger.Log.Errorf("Serial bridge %s: %v", addr, err)
		ch.Close()
	}
}

// candidatePorts returns the configured or discovered ports minus
// exclusions, or nil when discovery failed.
func (m *Manager) candidatePorts() map[string]bool {
	ports := config.AppConfig.Serial.Ports
	if len(ports) == 0 {
		var err error
		ports, err = m.listPorts()
		if err != nil {
			logger.Log.Errorf("Failed to list serial ports: %v", err)
			return nil
		}
	}

	valid := make(map[string]bool, len(ports))
	for _, p := range ports {
		if !isExcluded(p) {
			valid[p] = true
		}
	}
	return valid
}

func isExcluded(port string) bool {
	for _, excluded := range config.AppConfig.Serial.ExcludePorts {
		if port == excluded {
			return true
		}
	}
	return false
}

func (m *Manager) GetWorkerByIMEI(imei string) *ModemWorker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	port, ok := m.activeIMEIs[imei]
	if !ok {
		return nil
	}
	return m.workers[port]
}

// Workers returns the identified workers.
func (m *Manager) Workers() []*ModemWorker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ModemWorker, 0, len(m.activeIMEIs))
	for _, port := range m.activeIMEIs {
		if w, ok := m.workers[port]; ok {
			out = append(out, w)
		}
	}
	return out
}

// RegisterIMEI claims imei for port. It fails when another port already
// serves the same modem, e.g. a second interface of one USB device.
func (m *Manager) RegisterIMEI(port, imei string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingPort, exists := m.activeIMEIs[imei]; exists {
		return existingPort == port
	}
	m.activeIMEIs[imei] = port
	metrics.Modems.Set(float64(len(m.activeIMEIs)))
	return true
}

func (m *Manager) UnregisterIMEI(port, imei string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeIMEIs[imei] == port {
		delete(m.activeIMEIs, imei)
		metrics.Modems.Set(float64(len(m.activeIMEIs)))
	}
}
