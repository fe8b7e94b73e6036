package models

import (
    "time"

    "github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
    ID          uuid.UUID  `json:"id" db:"id"`
    CreatedAt   time.Time  `json:"createdAt" db:"created_at"`

    Port        string     `json:"port,omitempty" db:"port"`
    DeviceID    *int       `json:"deviceId,omitempty" db:"device_id"`

    Type        EventType  `json:"type" db:"type"`
    Level       EventLevel `json:"level" db:"level"`
    Code        string     `json:"code" db:"code"`
    Description string     `json:"description" db:"description"`

    Details     Variables  `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
    // Device events
    EventTypeAnswer       EventType = "ANSWER"
    EventTypeAnswerFailed EventType = "ANSWER_FAILED"
    EventTypeOTAStatus    EventType = "OTA_STATUS"
    EventTypeConfigStatus EventType = "CONFIG_STATUS"
    EventTypePairing      EventType = "PAIRING"

    // Listener events
    EventTypeOTADispatch  EventType = "OTA_DISPATCH"
    EventTypePortUp       EventType = "PORT_UP"
    EventTypePortDown     EventType = "PORT_DOWN"
)

// EventLevel represents event severity levels
type EventLevel string

const (
    EventLevelDebug   EventLevel = "DEBUG"
    EventLevelInfo    EventLevel = "INFO"
    EventLevelWarning EventLevel = "WARNING"
    EventLevelError   EventLevel = "ERROR"
)

// Subject returns the NATS subject suffix for the event type
func (t EventType) Subject() string {
    switch t {
    case EventTypeAnswer:
        return "answer"
    case EventTypeAnswerFailed:
        return "answer_failed"
    case EventTypeOTAStatus:
        return "ota"
    case EventTypeConfigStatus:
        return "config"
    case EventTypePairing:
        return "pairing"
    case EventTypeOTADispatch:
        return "ota_dispatch"
    case EventTypePortUp:
        return "port_up"
    case EventTypePortDown:
        return "port_down"
    default:
        return "event"
    }
}
