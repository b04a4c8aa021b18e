package sync

import (
	"fmt"
	"time"

	"github.com/schaermu/vaultsync/internal/repair"
)

// Phase is the state of the sync loop.
type Phase int

const (
	Polling Phase = iota
	Clean
	DirtyWaiting
	SyncInProgress
	RepairTriggered
	Terminated
)

var phaseNames = map[Phase]string{
	Polling:         "polling",
	Clean:           "clean",
	DirtyWaiting:    "dirty-waiting",
	SyncInProgress:  "sync-in-progress",
	RepairTriggered: "repair-triggered",
	Terminated:      "terminated",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText renders the phase by name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Status is a point-in-time view of the engine for status reporting.
type Status struct {
	Phase          Phase           `json:"phase"`
	DirtyFiles     int             `json:"dirty_files"`
	PendingChunks  int             `json:"pending_chunks"`
	LastPoll       time.Time       `json:"last_poll"`
	LastSync       time.Time       `json:"last_sync"`
	LastError      string          `json:"last_error,omitempty"`
	LastErrorClass string          `json:"last_error_class,omitempty"`
	RetryAt        time.Time       `json:"retry_at"`
	IdentityNeeded bool            `json:"identity_needed,omitempty"`
	LastRepair     *repair.Outcome `json:"last_repair,omitempty"`
}
