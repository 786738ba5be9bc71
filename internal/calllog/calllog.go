// Package calllog persists one record per finished call.
package calllog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal outcome of a call.
type Status int

const (
	StatusSuccessful Status = iota
	StatusMissed
	StatusBusy
	StatusRejected
	StatusFailed
	StatusAnsweredOnOtherDevice
	StatusRejectedOnOtherDevice
)

func (s Status) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusMissed:
		return "missed"
	case StatusBusy:
		return "busy"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	case StatusAnsweredOnOtherDevice:
		return "answered_elsewhere"
	case StatusRejectedOnOtherDevice:
		return "rejected_elsewhere"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Record is one call-log entry. Participants holds display names of the
// remote parties at the time the call ended.
type Record struct {
	ID            int64
	CallID        uuid.UUID
	OwnedIdentity []byte
	PeerIdentity  []byte
	Participants  []string
	Outgoing      bool
	GroupID       []byte
	Status        Status
	Duration      time.Duration
	StartedAt     time.Time
}

// Repository stores call records.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	List(ctx context.Context, ownedIdentity []byte, limit int) ([]Record, error)
	Close() error
}
