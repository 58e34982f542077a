// Package dialect describes how one modem family speaks the AT socket protocol.
//
// A Dialect is plain data: tokens, notification prefixes and command templates.
// The engine in internal/gsm is generic and is driven entirely by it.
package dialect

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

type MuxPolicy string

const (
	// MuxSelf means the modem picks the socket id and echoes it back.
	MuxSelf MuxPolicy = "self"
	// MuxPreassigned means the host picks a free slot and names it in the open command.
	MuxPreassigned MuxPolicy = "preassigned"
)

// Step is one bearer command. Optional steps may fail without aborting the sequence.
type Step struct {
	Cmd      string `mapstructure:"cmd"`
	Optional bool   `mapstructure:"optional"`
}

// SocketCommands are the per-socket command templates.
// Templates are text/template strings rendered with Params.
type SocketCommands struct {
	Create      string `mapstructure:"create"`
	CreateReply string `mapstructure:"create_reply"`
	Secure      string `mapstructure:"secure"`

	Open      string        `mapstructure:"open"`
	OpenReply string        `mapstructure:"open_reply"`
	Connected []string      `mapstructure:"connected"`
	Failed    []string      `mapstructure:"failed"`
	ConfirmOK bool          `mapstructure:"confirm_ok"`
	Settle    time.Duration `mapstructure:"settle"`

	Send         string        `mapstructure:"send"`
	SendPrompt   string        `mapstructure:"send_prompt"`
	SendDelay    time.Duration `mapstructure:"send_delay"`
	SendAccepted string        `mapstructure:"send_accepted"`
	SendConfirm  string        `mapstructure:"send_confirm"`
	SendFail     string        `mapstructure:"send_fail"`

	Read           string        `mapstructure:"read"`
	ReadReply      string        `mapstructure:"read_reply"`
	Available      string        `mapstructure:"available"`
	AvailableReply string        `mapstructure:"available_reply"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`

	Close       string `mapstructure:"close"`
	Status      string `mapstructure:"status"`
	StatusReply string `mapstructure:"status_reply"`
}

type Dialect struct {
	Name       string    `mapstructure:"name"`
	Terminator string    `mapstructure:"terminator"`
	OK         string    `mapstructure:"ok"`
	Error      string    `mapstructure:"error"`
	CMEError   string    `mapstructure:"cme_error"`
	MuxCount   int       `mapstructure:"mux_count"`
	MuxPolicy  MuxPolicy `mapstructure:"mux_policy"`

	// Inline notifications recognized while any command is pending.
	DataPrefix   string `mapstructure:"data_prefix"`
	DataQuoted   bool   `mapstructure:"data_quoted"`
	DataHint     string `mapstructure:"data_hint"`
	ClosedPrefix string `mapstructure:"closed_prefix"`

	// Command mode escape for transparent-mode modems. CommandSetup runs
	// between the escape and the exit command, before anything else.
	GuardTime    time.Duration `mapstructure:"guard_time"`
	Escape       string        `mapstructure:"escape"`
	ExitCommand  string        `mapstructure:"exit_command"`
	CommandSetup []Step        `mapstructure:"command_setup"`

	InitCommands []string `mapstructure:"init_commands"`
	IMEICommand  string   `mapstructure:"imei_command"`
	RegCommand   string   `mapstructure:"reg_command"`
	LocalIP      string   `mapstructure:"local_ip"`
	LocalIPReply string   `mapstructure:"local_ip_reply"`

	Bearer        []Step        `mapstructure:"bearer"`
	BearerDown    []Step        `mapstructure:"bearer_down"`
	BearerTimeout time.Duration `mapstructure:"bearer_timeout"`

	Socket SocketCommands `mapstructure:"socket"`
}

// Params is the data every command template is rendered with.
type Params struct {
	Mux      int
	Len      int
	Host     string
	Port     int
	Secure   bool
	APN      string
	User     string
	Password string
}

// Polls reports whether sockets must be read with explicit read commands
// instead of receiving their payload inline.
func (d *Dialect) Polls() bool {
	return d.Socket.Read != ""
}

// WithDefaults fills every unset field with the conventional value.
func (d Dialect) WithDefaults() Dialect {
	if d.Terminator == "" {
		d.Terminator = "\r\n"
	}
	if d.OK == "" {
		d.OK = "OK\r\n"
	}
	if d.Error == "" {
		d.Error = "ERROR\r\n"
	}
	if d.MuxCount < 1 {
		d.MuxCount = 1
	}
	if d.MuxPolicy == "" {
		d.MuxPolicy = MuxPreassigned
	}
	if d.IMEICommand == "" {
		d.IMEICommand = "+CGSN"
	}
	if d.RegCommand == "" {
		d.RegCommand = "CREG"
	}
	if d.Escape == "" {
		d.Escape = "+++"
	}
	if d.ExitCommand == "" {
		d.ExitCommand = "CN"
	}
	if d.BearerTimeout <= 0 {
		d.BearerTimeout = 60 * time.Second
	}
	if len(d.Socket.Connected) == 0 {
		d.Socket.Connected = []string{d.OK}
	}
	if d.Socket.SendAccepted == "" {
		d.Socket.SendAccepted = d.OK
	}
	if d.Socket.PollInterval <= 0 {
		d.Socket.PollInterval = 500 * time.Millisecond
	}
	return d
}

// Validate checks that the descriptor can drive the socket engine.
func (d *Dialect) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.MuxCount < 1 {
		errs = append(errs, fmt.Errorf("mux_count %d must be positive", d.MuxCount))
	}
	switch d.MuxPolicy {
	case MuxSelf:
		if d.Socket.CreateReply == "" && d.Socket.OpenReply == "" {
			errs = append(errs, errors.New("mux_policy self needs create_reply or open_reply"))
		}
	case MuxPreassigned:
	default:
		errs = append(errs, fmt.Errorf("unknown mux_policy %q", d.MuxPolicy))
	}
	if d.Socket.Open == "" {
		errs = append(errs, errors.New("socket.open is required"))
	}
	if d.Socket.Send == "" || d.Socket.SendPrompt == "" {
		errs = append(errs, errors.New("socket.send and socket.send_prompt are required"))
	}
	if d.Socket.Close == "" {
		errs = append(errs, errors.New("socket.close is required"))
	}
	if d.Polls() && (d.Socket.ReadReply == "" || d.Socket.Available == "" || d.Socket.AvailableReply == "") {
		errs = append(errs, errors.New("poll dialects need read_reply, available and available_reply"))
	}
	if len(d.Socket.Connected)+len(d.Socket.Failed) > 5 {
		errs = append(errs, errors.New("connected and failed tokens exceed five"))
	}
	for _, tmpl := range d.templates() {
		if _, err := parse(tmpl); err != nil {
			errs = append(errs, err)
		}
	}
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("dialect %q: %w", d.Name, err)
	}
	return nil
}

func (d *Dialect) templates() []string {
	s := d.Socket
	out := []string{s.Create, s.Secure, s.Open, s.Send, s.Read, s.Available, s.Close, s.Status, d.LocalIP}
	for _, st := range d.Bearer {
		out = append(out, st.Cmd)
	}
	for _, st := range d.BearerDown {
		out = append(out, st.Cmd)
	}
	for _, st := range d.CommandSetup {
		out = append(out, st.Cmd)
	}
	return out
}
