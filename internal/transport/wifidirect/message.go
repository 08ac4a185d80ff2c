package wifidirect

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Datagram types. The type field is the only discriminator on the wire.
const (
	TypeDiscovery = "discovery"
	TypeDevice    = "device"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeText      = "text"
	TypeFile      = "file"
)

// MaxDatagramSize is the largest UDP payload an IPv4 datagram can carry.
const MaxDatagramSize = 65507

// Message is the JSON body of every datagram the adapter sends or accepts.
type Message struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	Port       int    `json:"port,omitempty"`
	Content    string `json:"content,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func encode(m Message) ([]byte, error) {
	if m.Timestamp == 0 {
		m.Timestamp = nowMillis()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wifi: encode %s message: %w", m.Type, err)
	}
	return data, nil
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("wifi: message without type")
	}
	return m, nil
}

// Checksum returns the hex BLAKE2b-256 digest carried by file datagrams.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func verifyChecksum(m Message) bool {
	data, err := base64.StdEncoding.DecodeString(m.Content)
	if err != nil {
		return false
	}
	return Checksum(data) == m.Checksum
}
