package migrator

import "time"

// Status of a history row.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Row is one entry of the history table.
type Row struct {
	Version        string
	Name           string
	Checksum       string
	AppliedAt      time.Time
	AppliedBy      string
	DurationMS     int64
	Status         Status
	ExecutionOrder int64
}

func (r Row) Key() string { return Key(r.Version, r.Name) }

// Key identifies a migration across files and history rows.
func Key(version, name string) string { return version + ":" + name }
