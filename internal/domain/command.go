package domain

import (
	"encoding/json"
	"time"
)

// Unicast address space defined by the mesh profile. Group addresses start
// at 0xC000 and are valid command targets but never assigned to nodes.
const (
	UnicastMin uint16 = 0x0001
	UnicastMax uint16 = 0x7FFF
	GroupMin   uint16 = 0xC000
)

// IsUnicast reports whether addr is a valid node address.
func IsUnicast(addr uint16) bool {
	return addr >= UnicastMin && addr <= UnicastMax
}

// IsValidTarget reports whether addr can be the destination of a command
// (unicast or group).
func IsValidTarget(addr uint16) bool {
	return IsUnicast(addr) || addr >= GroupMin
}

// CommandRequest is a mesh command submitted to the gateway, either through
// the REST API or the intake topic.
type CommandRequest struct {
	ID           string          `json:"id"`
	Target       uint16          `json:"target"`
	Type         string          `json:"type"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     int             `json:"priority"`
	TransitionMs int             `json:"transition_ms,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CommandExecution records one dispatched command for the audit log.
type CommandExecution struct {
	ID         string    `json:"id"`
	CommandID  string    `json:"command_id"`
	Target     uint16    `json:"target"`
	Type       string    `json:"type"`
	Success    bool      `json:"success"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}
