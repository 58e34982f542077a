package dialect

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// A6 is the Ai-Thinker A6 family: the modem picks the socket id and
// pushes received payload inline.
var A6 = Dialect{
	Name:         "a6",
	Terminator:   "\r\n",
	OK:           "OK\r\n",
	Error:        "ERROR\r\n",
	MuxCount:     8,
	MuxPolicy:    MuxSelf,
	DataPrefix:   "+CIPRCV:",
	ClosedPrefix: "+TCPCLOSED:",
	InitCommands: []string{"&FZE0", "+CMEE=0", "+CMER=3,0,0,2"},
	IMEICommand:  "+GSN",
	RegCommand:   "CREG",
	LocalIP:      "+CIFSR",
	Bearer: []Step{
		{Cmd: "+CGATT=1"},
		{Cmd: `+CGDCONT=1,"IP","{{.APN}}"`, Optional: true},
		{Cmd: `+CSTT="{{.APN}}","{{.User}}","{{.Password}}"`},
		{Cmd: "+CGACT=1,1", Optional: true},
		{Cmd: "+CIPMUX=1"},
	},
	BearerDown: []Step{
		{Cmd: "+CIPSHUT", Optional: true},
		{Cmd: "+CGATT=0"},
	},
	BearerTimeout: 60 * time.Second,
	Socket: SocketCommands{
		Open:       `+CIPSTART="TCP","{{.Host}}",{{.Port}}`,
		OpenReply:  "\r\n+CIPNUM:",
		Connected:  []string{"CONNECT OK\r\n"},
		Failed:     []string{"CONNECT FAIL\r\n", "ALREADY CONNECT\r\n"},
		ConfirmOK:  true,
		Send:       "+CIPSEND={{.Mux}},{{.Len}}",
		SendPrompt: "\r\n>",
		SendFail:   "\r\nFAIL",
		Close:      "+CIPCLOSE={{.Mux}}",
	},
}

// SaraG450 is the u-blox SARA-G450: sockets are created first, data
// arrival is only hinted and payload is pulled with read commands.
var SaraG450 = Dialect{
	Name:         "sara-g450",
	Terminator:   "\r\n",
	OK:           "OK\r\n",
	Error:        "ERROR\r\n",
	CMEError:     "\r\n+CME ERROR:",
	MuxCount:     7,
	MuxPolicy:    MuxSelf,
	DataHint:     "+UUSORD:",
	ClosedPrefix: "+UUSOCL:",
	InitCommands: []string{"E0", "+CMEE=0", "+CTZU=1"},
	IMEICommand:  "+CGSN",
	RegCommand:   "CGREG",
	LocalIP:      "+UPSND=0,0",
	LocalIPReply: "\r\n+UPSND:",
	Bearer: []Step{
		{Cmd: `+UPSD=0,1,"{{.APN}}"`, Optional: true},
		{Cmd: `{{if .User}}+UPSD=0,2,"{{.User}}"{{end}}`, Optional: true},
		{Cmd: `{{if .Password}}+UPSD=0,3,"{{.Password}}"{{end}}`, Optional: true},
		{Cmd: `+UPSD=0,7,"0.0.0.0"`, Optional: true},
		{Cmd: "+UPSDA=0,3"},
	},
	BearerDown: []Step{
		{Cmd: "+UPSDA=0,4"},
	},
	BearerTimeout: 360 * time.Second,
	Socket: SocketCommands{
		Create:         "+USOCR=6",
		CreateReply:    "\r\n+USOCR:",
		Secure:         "+USOSEC={{.Mux}},1",
		Open:           `+USOCO={{.Mux}},"{{.Host}}",{{.Port}}`,
		Connected:      []string{"OK\r\n"},
		Failed:         []string{"ERROR\r\n", "\r\n+CME ERROR:"},
		Settle:         200 * time.Millisecond,
		Send:           "+USOWR={{.Mux}},{{.Len}}",
		SendPrompt:     "@",
		SendDelay:      50 * time.Millisecond,
		SendConfirm:    "\r\n+USOWR:",
		Read:           "+USORD={{.Mux}},{{.Len}}",
		ReadReply:      "\r\n+USORD:",
		Available:      "+USORD={{.Mux}},0",
		AvailableReply: "\r\n+USORD:",
		PollInterval:   500 * time.Millisecond,
		Close:          "+USOCL={{.Mux}}",
		Status:         "+USOCTL={{.Mux}},10",
		StatusReply:    "\r\n+USOCTL:",
	},
}

// Generic is a SIM800-style multi-connection dialect: the host names the
// slot and payload arrives inline in a quoted field.
var Generic = Dialect{
	Name:         "generic",
	Terminator:   "\r\n",
	OK:           "OK\r\n",
	Error:        "ERROR\r\n",
	CMEError:     "\r\n+CME ERROR:",
	MuxCount:     6,
	MuxPolicy:    MuxPreassigned,
	DataPrefix:   "+DATA:",
	DataQuoted:   true,
	ClosedPrefix: "+CLOSED:",
	InitCommands: []string{"E0", "+CMEE=0"},
	IMEICommand:  "+CGSN",
	RegCommand:   "CREG",
	LocalIP:      "+CIFSR",
	Bearer: []Step{
		{Cmd: "+CIPMUX=1"},
		{Cmd: `+CSTT="{{.APN}}","{{.User}}","{{.Password}}"`},
		{Cmd: "+CIICR"},
	},
	BearerDown: []Step{
		{Cmd: "+CIPSHUT"},
	},
	BearerTimeout: 60 * time.Second,
	Socket: SocketCommands{
		Open:         `+CIPSTART={{.Mux}},"TCP","{{.Host}}",{{.Port}}`,
		Connected:    []string{"CONNECT OK\r\n"},
		Failed:       []string{"CONNECT FAIL\r\n", "ALREADY CONNECT\r\n", "ERROR\r\n"},
		Send:         "+CIPSEND={{.Mux}},{{.Len}}",
		SendPrompt:   ">",
		SendAccepted: "SEND OK\r\n",
		SendFail:     "SEND FAIL\r\n",
		Close:        "+CIPCLOSE={{.Mux}}",
	},
}

// XBee is a Digi XBee3 cellular module. It powers up in transparent mode;
// the setup steps run in its own command mode and switch it to bypass, after
// which the u-blox modem behind it answers directly.
var XBee = Dialect{
	Name:         "xbee",
	Terminator:   "\r",
	OK:           "OK\r",
	Error:        "ERROR\r",
	CMEError:     "\r\n+CME ERROR:",
	MuxCount:     7,
	MuxPolicy:    MuxSelf,
	DataHint:     "+UUSORD:",
	ClosedPrefix: "+UUSOCL:",
	GuardTime:    time.Second,
	Escape:       "+++",
	ExitCommand:  "CN",
	CommandSetup: []Step{
		{Cmd: `{{if .APN}}AN{{.APN}}{{end}}`},
		{Cmd: "AP5"},
		{Cmd: "WR", Optional: true},
	},
	InitCommands: []string{"E0", "+CMEE=0"},
	IMEICommand:  "+CGSN",
	RegCommand:   "CEREG",
	LocalIP:      "+CGPADDR=1",
	LocalIPReply: "\r\n+CGPADDR:",
	Bearer: []Step{
		{Cmd: `+CGDCONT=1,"IP","{{.APN}}"`, Optional: true},
		{Cmd: "+CGATT=1"},
	},
	BearerDown: []Step{
		{Cmd: "+CGATT=0"},
	},
	BearerTimeout: 180 * time.Second,
	Socket: SocketCommands{
		Create:         "+USOCR=6",
		CreateReply:    "\r\n+USOCR:",
		Secure:         "+USOSEC={{.Mux}},1",
		Open:           `+USOCO={{.Mux}},"{{.Host}}",{{.Port}}`,
		Connected:      []string{"OK\r"},
		Failed:         []string{"ERROR\r", "\r\n+CME ERROR:"},
		Settle:         200 * time.Millisecond,
		Send:           "+USOWR={{.Mux}},{{.Len}}",
		SendPrompt:     "@",
		SendDelay:      50 * time.Millisecond,
		SendConfirm:    "\r\n+USOWR:",
		Read:           "+USORD={{.Mux}},{{.Len}}",
		ReadReply:      "\r\n+USORD:",
		Available:      "+USORD={{.Mux}},0",
		AvailableReply: "\r\n+USORD:",
		PollInterval:   500 * time.Millisecond,
		Close:          "+USOCL={{.Mux}}",
		Status:         "+USOCTL={{.Mux}},10",
		StatusReply:    "\r\n+USOCTL:",
	},
}

var (
	regMu    sync.RWMutex
	registry = map[string]Dialect{}
)

func init() {
	for _, d := range []Dialect{A6, SaraG450, Generic, XBee} {
		if err := Register(d); err != nil {
			panic(err)
		}
	}
}

// Register validates d and makes it available by name, replacing any
// dialect already registered under that name.
func Register(d Dialect) error {
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return err
	}
	regMu.Lock()
	defer regMu.Unlock()
	registry[d.Name] = d
	return nil
}

func Lookup(name string) (Dialect, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	d, ok := registry[name]
	if !ok {
		return Dialect{}, fmt.Errorf("unknown dialect %q", name)
	}
	return d, nil
}

func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
