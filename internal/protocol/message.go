// Package protocol defines the WebSocket message envelope shared by the
// report stream and the upstream collector feed.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/timeutil"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Node → Collector messages
	TypeSync  MessageType = "sync"  // Window extraction report
	TypeTDOA  MessageType = "tdoa"  // Localization report
	TypeError MessageType = "error" // Failed run

	// Collector → Node messages
	TypeLocate MessageType = "locate" // Run localization for a trigger

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// NewSyncMessage creates a sync report message
func NewSyncMessage(report *pipeline.SyncReport) (*Message, error) {
	return NewMessage(TypeSync, report)
}

// NewTDOAMessage creates a localization report message
func NewTDOAMessage(report *pipeline.Report) (*Message, error) {
	return NewMessage(TypeTDOA, report)
}

// ErrorData describes a run that failed
type ErrorData struct {
	Op      string `json:"op"`
	Trigger string `json:"trigger,omitempty"`
	Error   string `json:"error"`
}

// NewErrorMessage creates an error message for a failed run
func NewErrorMessage(op string, trigger time.Time, err error) (*Message, error) {
	data := ErrorData{Op: op, Error: err.Error()}
	if !trigger.IsZero() {
		data.Trigger = timeutil.FormatISO(trigger)
	}
	return NewMessage(TypeError, data)
}

// LocateCommand asks a node to run localization for a trigger
type LocateCommand struct {
	Trigger      string  `json:"trigger"`
	Reference    string  `json:"reference,omitempty"`
	SpeedOfSound float64 `json:"speed_of_sound,omitempty"`
	MaxLag       float64 `json:"max_lag_s,omitempty"`
}

// GetLocateCommand extracts a locate command from a message
func (m *Message) GetLocateCommand() (*LocateCommand, error) {
	var data LocateCommand
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Request converts the command into a pipeline request
func (c *LocateCommand) Request() (pipeline.Request, error) {
	trigger, err := timeutil.Parse(c.Trigger)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{
		Trigger:      trigger,
		Reference:    c.Reference,
		SpeedOfSound: c.SpeedOfSound,
		MaxLag:       c.MaxLag,
	}, nil
}

// GetReport extracts a localization report from a tdoa message
func (m *Message) GetReport() (*pipeline.Report, error) {
	var data pipeline.Report
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
