package models

import "time"

// RawMessage is an undecoded payload as it arrived from a transport
type RawMessage struct {
	Source     string
	Topic      string
	DeviceID   string // from the transport envelope; empty when unknown
	Payload    []byte
	ReceivedAt time.Time
}
