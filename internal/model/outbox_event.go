package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxEvent is a side-effect intent persisted in the same transaction as
// the mutation that requires it. Producers only insert; status is owned by
// the dispatcher.
type OutboxEvent struct {
	ID            uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID      uint64       `gorm:"type:bigint unsigned;not null;index:idx_outbox_aggregate,priority:1" json:"tenant_id"`
	AggregateType string       `gorm:"type:varchar(32);not null;index:idx_outbox_aggregate,priority:2" json:"aggregate_type"`
	AggregateID   string       `gorm:"type:varchar(64);not null;index:idx_outbox_aggregate,priority:3" json:"aggregate_id"`
	Type          string       `gorm:"type:varchar(64);not null" json:"type"`
	Payload       JSONPayload  `gorm:"type:json;not null" json:"payload"`
	Status        OutboxStatus `gorm:"type:varchar(16);not null;default:'PENDING';index:idx_outbox_status_created,priority:1" json:"status"`
	Attempts      int          `gorm:"type:int;not null;default:0" json:"attempts"`
	Error         *string      `gorm:"type:varchar(1024)" json:"error,omitempty"`
	CreatedAt     time.Time    `gorm:"type:timestamp(6);not null;default:CURRENT_TIMESTAMP(6);index:idx_outbox_status_created,priority:2" json:"created_at"`
	ProcessedAt   *time.Time   `gorm:"type:timestamp(6)" json:"processed_at,omitempty"`
}

// TableName set name
func (OutboxEvent) TableName() string {
	return "outbox_events"
}

// OutboxStatus dispatch state
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxCompleted OutboxStatus = "COMPLETED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// IsPending check if event still waits for dispatch
func (e *OutboxEvent) IsPending() bool {
	return e.Status == OutboxPending
}

// JSONPayload raw JSON column
type JSONPayload []byte

// Value implement driver.Valuer interface
func (j JSONPayload) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("invalid json payload")
	}
	return string(j), nil
}

// Scan implement sql.Scanner interface
func (j *JSONPayload) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONPayload(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONPayload", value)
	}
	return nil
}

// MarshalJSON keeps the payload inline when the row itself is serialised.
func (j JSONPayload) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON implement json.Unmarshaler
func (j *JSONPayload) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}
