package storage

import (
	"context"
	"errors"
	"time"
)

// TimeLayout is the timestamp format of the persisted session file
const TimeLayout = "2006-01-02 15:04:05"

// ErrNotFound is returned when no session exists for a key
var ErrNotFound = errors.New("session not found")

// SessionRecord is the persisted cookie set of one account
type SessionRecord struct {
	Key       string    `json:"key"`
	Cookies   string    `json:"cookies"`
	UpdatedAt time.Time `json:"update_time"`
}

// SessionStore maps account keys to serialized sessions. List returns records
// in insertion order; Put on an existing key replaces it in place.
type SessionStore interface {
	List(ctx context.Context) ([]SessionRecord, error)
	Get(ctx context.Context, key string) (SessionRecord, error)
	Put(ctx context.Context, record SessionRecord) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// CheckinRecord is one check-in result kept for the status command
type CheckinRecord struct {
	ID        int       `json:"id"`
	Key       string    `json:"key"`
	UID       string    `json:"uid"`
	Message   string    `json:"message"`
	Balance   int       `json:"balance"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckinHistory is implemented by stores that can keep check-in results
type CheckinHistory interface {
	SaveCheckin(ctx context.Context, record *CheckinRecord) error
	LatestCheckins(ctx context.Context) ([]*CheckinRecord, error)
	GetDailyStats(ctx context.Context, date time.Time) (map[string]int, error)
}
