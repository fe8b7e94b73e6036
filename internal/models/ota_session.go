package models

import (
    "time"

    "github.com/google/uuid"
)

// OTAStatus represents the lifecycle state of an OTA session
type OTAStatus string

const (
    OTAStatusIdle        OTAStatus = "idle"
    OTAStatusDownloading OTAStatus = "downloading"
    OTAStatusStarting    OTAStatus = "starting"
    OTAStatusSending     OTAStatus = "sending"
    OTAStatusFinalizing  OTAStatus = "finalizing"
    OTAStatusSuccess     OTAStatus = "success"
    OTAStatusFailed      OTAStatus = "failed"
    OTAStatusTimeout     OTAStatus = "timeout"
)

// IsTerminal reports whether no further status frames are expected
func (s OTAStatus) IsTerminal() bool {
    switch s {
    case OTAStatusSuccess, OTAStatusFailed, OTAStatusTimeout:
        return true
    }
    return false
}

// InFlight reports whether a dispatch is waiting on the device
func (s OTAStatus) InFlight() bool {
    return s != OTAStatusIdle && !s.IsTerminal()
}

// OTASession represents one firmware update for a device id
type OTASession struct {
    ID             uuid.UUID `json:"id" db:"id"`
    DeviceID       int       `json:"deviceId" db:"device_id"`
    Port           string    `json:"port" db:"port"`
    FirmwareSource string    `json:"firmware" db:"firmware_source"`
    Status         OTAStatus `json:"status" db:"status"`
    BytesSent      int64     `json:"bytesSent" db:"bytes_sent"`
    TotalSize      int64     `json:"totalSize" db:"total_size"`
    StartedAt      time.Time `json:"startedAt" db:"started_at"`
    UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
    ErrorMessage   string    `json:"errorMessage,omitempty" db:"error_message"`
}

// Progress returns the transfer percentage, 0 when the size is unknown
func (s *OTASession) Progress() float64 {
    if s.TotalSize <= 0 {
        return 0
    }
    return float64(s.BytesSent) / float64(s.TotalSize) * 100
}
