package events

import (
	"encoding/json"
	"time"
)

const (
	TypeDatabaseCreated  = "database_created"
	TypeDatabaseRecycled = "database_recycled"
	TypePurge            = "purge"
	TypeCheckpoint       = "checkpoint"
	TypeBackup           = "backup"
	TypeIntegrity        = "integrity"
	TypeCorruption       = "corruption"
)

type Event struct {
	Type      string          `json:"type"`
	Version   int             `json:"v"`
	At        time.Time       `json:"at"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func MakeEvent(reqID, typ string, v int, data any) string {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	e := Event{
		Type:      typ,
		Version:   v,
		At:        time.Now().UTC(),
		RequestID: reqID,
		Data:      raw,
	}
	b, _ := json.Marshal(e)
	return string(b)
}

// DatabaseData is the payload of every per-database event.
type DatabaseData struct {
	Path     string   `json:"path"`
	OK       bool     `json:"ok"`
	Critical bool     `json:"critical,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Problems []string `json:"problems,omitempty"`
}
