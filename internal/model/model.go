package model

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	Username      string         `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash  string         `gorm:"not null" json:"-"`
	Role          string         `gorm:"default:'user'" json:"role"` // admin, user
	AllowedModems string         `json:"allowed_modems"`             // Comma separated IMEIs, or "*"
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

type Modem struct {
	IMEI           string    `gorm:"primaryKey;column:imei" json:"imei"`
	Name           string    `json:"name"` // User defined alias
	Dialect        string    `json:"dialect"`
	Info           string    `json:"info"` // ATI
	Operator       string    `json:"operator"`
	SignalStrength int       `json:"signal_strength"` // CSQ, 0-100%
	PortName       string    `json:"port_name"`       // Current COM port, can change
	Status         string    `json:"status"`          // online, offline
	Registration   string    `json:"registration"`    // home, roaming, denied, etc.
	LocalIP        string    `json:"local_ip"`
	LastSeen       time.Time `json:"last_seen"`
}

type SMS struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	IMEI      string    `gorm:"index;not null;column:imei" json:"imei"`
	Phone     string    `gorm:"index;not null" json:"phone"`
	Content   string    `json:"content"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Type      string    `gorm:"index" json:"type"` // sent, received
	IsRead    bool      `gorm:"default:false" json:"is_read"`
	RawPDU    string    `json:"raw_pdu,omitempty"` // For debugging
	CreatedAt time.Time `json:"created_at"`
}

// SocketSession is one TCP connection opened through a modem.
type SocketSession struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	IMEI        string     `gorm:"index;not null;column:imei" json:"imei"`
	Mux         int        `json:"mux"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Secure      bool       `json:"secure"`
	State       string     `gorm:"index" json:"state"`     // open, closed
	CloseReason string     `json:"close_reason,omitempty"` // local, peer, evicted
	BytesIn     int64      `json:"bytes_in"`
	BytesOut    int64      `json:"bytes_out"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

const (
	EventSMS          = "sms"
	EventSocketClosed = "socket_closed"
)

type Webhook struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	IMEI      string    `gorm:"index;not null;column:imei" json:"imei"`
	Event     string    `gorm:"index;default:'sms'" json:"event"` // sms, socket_closed
	URL       string    `gorm:"not null" json:"url"`
	Platform  string    `json:"platform"`   // telegram, slack, generic
	ChannelID string    `json:"channel_id"` // For Telegram
	Template  string    `json:"template"`   // "Msg from {{.Phone}}: {{.Content}}"
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
