package store

import "time"

// Transfer statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// TransferRecord is one finished upload, download or radio transfer.
type TransferRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Path       string    `json:"path,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Address    string    `json:"address,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time of the transfer, zero if the start is unknown.
func (r *TransferRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// radioConfigStorage pins the on-disk field names independently of the wire
// encoding.
type radioConfigStorage struct {
	Bandwidth       int       `json:"bandwidth"`
	SpreadingFactor int       `json:"spreading_factor"`
	CodingRate      int       `json:"coding_rate"`
	AckInterval     int       `json:"ack_interval"`
	Power           int       `json:"power"`
	UpdatedAt       time.Time `json:"updated_at"`
}
