package models

import "time"

// LedgerEntry tracks a detection whose match attempt failed transiently.
// TryCount is incremented before each retry attempt so a crash mid-retry
// still counts toward the ceiling.
type LedgerEntry struct {
	RecNo     int64     `json:"rec_no" db:"rec_no"`
	TryCount  int       `json:"try_count" db:"try_count"`
	Status    bool      `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
