package worker

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pccr10001/gsmux/internal/atchan"
	"github.com/pccr10001/gsmux/internal/config"
	"github.com/pccr10001/gsmux/internal/gsm"
	"github.com/pccr10001/gsmux/internal/mccmnc"
	"github.com/pccr10001/gsmux/internal/model"
	"github.com/pccr10001/gsmux/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testIMEI = "865067021234567"

// fakeModem answers command lines from a table. Writes without an entry
// (payload, or commands a test wants to time out) get no answer.
type fakeModem struct {
	s       *atchan.MemStream
	mu      sync.Mutex
	replies map[string]string
	writes  []string
}

func newFakeModem() *fakeModem {
	f := &fakeModem{s: atchan.NewMemStream(), replies: map[string]string{
		"AT":          "OK\r\n",
		"ATE0":        "\r\nOK\r\n",
		"AT+CMEE=0":   "\r\nOK\r\n",
		"AT+CPIN?":    "\r\n+CPIN: READY\r\n\r\nOK\r\n",
		"AT+CGSN":     "\r\n" + testIMEI + "\r\n\r\nOK\r\n",
		"ATI":         "\r\nSIM800 R14.18\r\n\r\nOK\r\n",
		"AT+CSQ":      "\r\n+CSQ: 20,99\r\n\r\nOK\r\n",
		"AT+COPS=3,0": "\r\nOK\r\n",
		"AT+COPS?":    "\r\n+COPS: 0,2,\"46692\",7\r\n\r\nOK\r\n",
		"AT+CREG?":    "\r\n+CREG: 0,1\r\n\r\nOK\r\n",
		"AT+CIFSR":    "\r\n10.0.0.2\r\n\r\nOK\r\n",
	}}
	f.s.OnWrite = f.onWrite
	return f
}

func (f *fakeModem) on(cmd, reply string) {
	f.mu.Lock()
	f.replies[cmd] = reply
	f.mu.Unlock()
}

func (f *fakeModem) onWrite(p []byte) {
	cmd := strings.TrimRight(string(p), "\r\n")
	f.mu.Lock()
	f.writes = append(f.writes, cmd)
	reply, ok := f.replies[cmd]
	f.mu.Unlock()
	if ok {
		f.s.FeedString(reply)
	}
}

func (f *fakeModem) wrote(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if w == cmd {
			return true
		}
	}
	return false
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.Modem{}, &model.SMS{}, &model.Webhook{}, &model.SocketSession{}))
	return db
}

func testConfig() {
	config.AppConfig = config.Config{}
	config.AppConfig.Modem.Dialect = "generic"
	config.AppConfig.Modem.CommandTimeout = 300 * time.Millisecond
	config.AppConfig.Modem.ProbeTimeout = time.Second
	config.AppConfig.Modem.ReadTimeout = 200 * time.Millisecond
}

func newTestWorker(t *testing.T) (*ModemWorker, *fakeModem, *gorm.DB) {
	t.Helper()
	testConfig()
	return startTestWorker(t)
}

// startTestWorker attaches a worker using whatever config is current.
func startTestWorker(t *testing.T) (*ModemWorker, *fakeModem, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	mgr := NewManager(db)
	w := NewModemWorker("/dev/ttyTEST0", db, mgr)
	f := newFakeModem()
	require.NoError(t, w.attach(f.s, nil, nil))
	mgr.workers[w.PortName] = w
	return w, f, db
}

// identified skips initialization for tests that only need sockets.
func identified(t *testing.T) (*ModemWorker, *fakeModem, *gorm.DB) {
	w, f, db := newTestWorker(t)
	w.setInfo(&model.Modem{IMEI: testIMEI, PortName: w.PortName, Status: "online"})
	return w, f, db
}

func TestInitModemIdentifiesAndPersists(t *testing.T) {
	require.NoError(t, mccmnc.Load(strings.NewReader(`[{"mcc":"466","mnc":"92","name":"Chunghwa Telecom"}]`)))
	w, f, db := newTestWorker(t)

	require.NoError(t, w.initModem())

	info := w.Info()
	require.NotNil(t, info)
	assert.Equal(t, testIMEI, info.IMEI)
	assert.Equal(t, "generic", info.Dialect)
	assert.Equal(t, "SIM800 R14.18", info.Info)
	assert.Equal(t, "Chunghwa Telecom", info.Operator)
	assert.Equal(t, 64, info.SignalStrength)
	assert.Equal(t, "home", info.Registration)
	assert.Equal(t, "10.0.0.2", info.LocalIP)
	assert.True(t, f.wrote("ATE0"))

	stored, err := repository.NewModemRepository(db).FindByIMEI(testIMEI)
	require.NoError(t, err)
	assert.Equal(t, "online", stored.Status)
	assert.Equal(t, "/dev/ttyTEST0", stored.PortName)
	assert.Same(t, w, w.manager.GetWorkerByIMEI(testIMEI))

	require.NoError(t, w.shutdown())
	stored, _ = repository.NewModemRepository(db).FindByIMEI(testIMEI)
	assert.Equal(t, "offline", stored.Status)
	assert.Nil(t, w.manager.GetWorkerByIMEI(testIMEI))
}

func TestInitModemEscapesTransparentMode(t *testing.T) {
	testConfig()
	config.AppConfig.Modem.Dialect = "xbee"
	config.AppConfig.Modem.APN = "iot.example"
	w, f, _ := startTestWorker(t)
	f.on("+++", "OK\r")
	f.on("ATANiot.example", "OK\r")
	f.on("ATAP5", "OK\r")
	f.on("ATWR", "OK\r")
	f.on("ATCN", "OK\r")
	f.on(`AT+CGDCONT=1,"IP","iot.example"`, "\r\nOK\r\n")
	f.on("AT+CGATT=0", "\r\nOK\r\n")
	f.on("AT+CGATT=1", "\r\nOK\r\n")

	require.NoError(t, w.initModem())
	assert.Equal(t, testIMEI, w.IMEI())
	assert.Equal(t, "xbee", w.Info().Dialect)

	f.mu.Lock()
	writes := append([]string(nil), f.writes...)
	f.mu.Unlock()
	require.GreaterOrEqual(t, len(writes), 5)
	assert.Equal(t, []string{"+++", "ATANiot.example", "ATAP5", "ATWR", "ATCN"}, writes[:5],
		"setup runs in command mode before any modem command")
	assert.True(t, f.wrote("AT+CGATT=1"))
}

func TestInitModemRejectsDuplicate(t *testing.T) {
	w, _, _ := newTestWorker(t)
	require.True(t, w.manager.RegisterIMEI("/dev/ttyOTHER", testIMEI))

	err := w.initModem()
	require.ErrorIs(t, err, errDuplicate)
	assert.Equal(t, "", w.IMEI())
}

func TestInitModemRunsConfiguredCommands(t *testing.T) {
	w, f, _ := newTestWorker(t)
	config.AppConfig.Serial.InitATCommands = []string{"AT+CNMI=2,1"}
	f.on("AT+CNMI=2,1", "\r\nOK\r\n")

	require.NoError(t, w.initModem())
	assert.True(t, f.wrote("AT+CNMI=2,1"))
}

func TestSocketNotReadyBeforeIdentify(t *testing.T) {
	w, _, _ := newTestWorker(t)
	_, err := w.OpenSocket("example.com", 80, 0, false, 0)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = w.ExecuteAT("AT", time.Second)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSocketSessionLifecycle(t *testing.T) {
	w, f, db := identified(t)
	sessions := repository.NewSessionRepository(db)

	f.on(`AT+CIPSTART=0,"TCP","example.com",80`, "OK\r\n\r\n0, CONNECT OK\r\n")
	c, err := w.OpenSocket("example.com", 80, 0, false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Mux())
	assert.Same(t, c, w.Socket(0))

	s, err := sessions.FindByID(c.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, "open", s.State)
	assert.Equal(t, testIMEI, s.IMEI)

	f.on("AT+CIPSEND=0,5", "> ")
	f.on("hello", "\r\nSEND OK\r\n")
	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	f.s.FeedString("+DATA:0,3,\"abc\"")
	buf := make([]byte, 16)
	n, err = c.ReadTimeout(buf, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	status := w.Sockets()
	require.Len(t, status, 1)
	require.NotNil(t, status[0].Session)
	assert.Equal(t, "example.com", status[0].Session.Host)

	// far side hangs up while nobody reads
	f.s.FeedString("+CLOSED:0\r\n")
	w.modem.Maintain()
	select {
	case mux := <-w.closedChan:
		w.handlePeerClosed(mux)
	case <-time.After(time.Second):
		t.Fatal("peer close not queued")
	}
	assert.Equal(t, gsm.StateClosed, c.State())

	s, err = sessions.FindByID(c.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", s.State)
	assert.Equal(t, ClosePeer, s.CloseReason)
	assert.EqualValues(t, 3, s.BytesIn)
	assert.EqualValues(t, 5, s.BytesOut)

	require.NoError(t, c.Close())
	assert.Nil(t, w.Socket(0))
	assert.False(t, f.wrote("AT+CIPCLOSE=0"))
	s, _ = sessions.FindByID(c.Session().ID)
	assert.Equal(t, ClosePeer, s.CloseReason)
}

func TestSocketLocalClose(t *testing.T) {
	w, f, db := identified(t)
	f.on(`AT+CIPSTART=1,"TCP","example.com",443`, "OK\r\n\r\n1, CONNECT OK\r\n")
	f.on("AT+CIPCLOSE=1", "\r\nOK\r\n")

	c, err := w.OpenSocket("example.com", 443, 1, false, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.True(t, f.wrote("AT+CIPCLOSE=1"))

	s, err := repository.NewSessionRepository(db).FindByID(c.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, CloseLocal, s.CloseReason)
	assert.NotNil(t, s.ClosedAt)
}

func TestSocketReuseEvictsSession(t *testing.T) {
	w, f, db := identified(t)
	f.on(`AT+CIPSTART=0,"TCP","example.com",80`, "OK\r\n\r\n0, CONNECT OK\r\n")

	first, err := w.OpenSocket("example.com", 80, 0, false, time.Second)
	require.NoError(t, err)
	// the slot frees once the far side drops; the close notice is not handled yet
	f.s.FeedString("+CLOSED:0\r\n")
	w.modem.Maintain()
	require.False(t, first.Connected())

	second, err := w.OpenSocket("example.com", 80, 0, false, time.Second)
	require.NoError(t, err)

	assert.Same(t, second, w.Socket(0))
	s, err := repository.NewSessionRepository(db).FindByID(first.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, CloseEvicted, s.CloseReason)

	_, err = first.Read(make([]byte, 4))
	assert.ErrorIs(t, err, gsm.ErrStale)
	require.NoError(t, first.Close())
	assert.Same(t, second, w.Socket(0), "closing a stale handle must not drop the new one")

	list, err := w.Sessions(10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSocketBusySlotKeepsSession(t *testing.T) {
	w, f, db := identified(t)
	f.on(`AT+CIPSTART=0,"TCP","example.com",80`, "OK\r\n\r\n0, CONNECT OK\r\n")

	first, err := w.OpenSocket("example.com", 80, 0, false, time.Second)
	require.NoError(t, err)
	f.on(`AT+CIPSTART=0,"TCP","other.example",9000`, "OK\r\n\r\n0, ALREADY CONNECT\r\n")

	_, err = w.OpenSocket("other.example", 9000, 0, false, time.Second)
	assert.ErrorIs(t, err, gsm.ErrSlotBusy)
	assert.False(t, f.wrote(`AT+CIPSTART=0,"TCP","other.example",9000`))
	assert.Same(t, first, w.Socket(0))
	assert.True(t, first.Connected())

	s, err := repository.NewSessionRepository(db).FindByID(first.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, "open", s.State)
}

func TestSocketNeedsNetwork(t *testing.T) {
	w, f, _ := identified(t)
	f.on("AT+CREG?", "\r\n+CREG: 0,2\r\n\r\nOK\r\n")

	_, err := w.OpenSocket("example.com", 80, 0, false, time.Second)
	assert.ErrorIs(t, err, ErrNoNetwork)
	assert.False(t, f.wrote(`AT+CIPSTART=0,"TCP","example.com",80`))
}

func TestSocketConnectRejected(t *testing.T) {
	w, f, db := identified(t)
	f.on(`AT+CIPSTART=2,"TCP","example.com",80`, "OK\r\n\r\n2, CONNECT FAIL\r\n")

	_, err := w.OpenSocket("example.com", 80, 2, false, time.Second)
	assert.ErrorIs(t, err, gsm.ErrRejected)
	assert.Nil(t, w.Socket(2))

	list, err := repository.NewSessionRepository(db).FindByIMEI(testIMEI, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestShutdownClosesSessions(t *testing.T) {
	w, f, db := identified(t)
	f.on(`AT+CIPSTART=0,"TCP","example.com",80`, "OK\r\n\r\n0, CONNECT OK\r\n")
	c, err := w.OpenSocket("example.com", 80, 0, false, time.Second)
	require.NoError(t, err)

	require.NoError(t, w.shutdown())
	s, err := repository.NewSessionRepository(db).FindByID(c.Session().ID)
	require.NoError(t, err)
	assert.Equal(t, CloseShutdown, s.CloseReason)
	assert.Nil(t, w.Socket(0))
}

func TestCheckSMSStoresAndDeletes(t *testing.T) {
	w, f, db := identified(t)
	f.on("AT+CMGF=0", "\r\nOK\r\n")
	f.on("AT+CMGL=4", "\r\n+CMGL: 3,0,,24\r\n"+deliverPDU+"\r\n\r\nOK\r\n")
	f.on("AT+CMGD=3", "\r\nOK\r\n")

	w.checkSMS()

	assert.True(t, f.wrote("AT+CMGD=3"))
	list, err := repository.NewSMSRepository(db).FindByIMEI(testIMEI)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hellohello", list[0].Content)
	assert.Equal(t, "received", list[0].Type)
	assert.Equal(t, deliverPDU, list[0].RawPDU)
}

func TestSetOperatorTriggersPoll(t *testing.T) {
	w, f, _ := identified(t)
	f.on(`AT+COPS=1,0,"FET"`, "\r\nOK\r\n")

	require.NoError(t, w.SetOperator("FET"))
	assert.False(t, w.IsBusy())
	select {
	case <-w.triggerChan:
	default:
		t.Fatal("poll not triggered")
	}
}

func TestParseNetworks(t *testing.T) {
	require.NoError(t, mccmnc.Load(strings.NewReader(`[{"mcc":"466","mnc":"01","name":"Far EasTone"}]`)))
	resp := `+COPS: (2,"Chunghwa Telecom","CHT","46692",7),(1,"","","46601",7),(3,"","","99999",0),,(0-4),(0-2)`

	assert.Equal(t, []string{
		"Chunghwa Telecom (46692) [Current]",
		"Far EasTone (46601) [Available]",
		"99999 (99999) [Forbidden]",
	}, parseNetworks(resp))
}

func TestSignalPercent(t *testing.T) {
	assert.Equal(t, 0, signalPercent(99))
	assert.Equal(t, 100, signalPercent(31))
	assert.Equal(t, 64, signalPercent(20))
	assert.Equal(t, 0, signalPercent(0))
}
