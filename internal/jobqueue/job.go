package jobqueue

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Priority  int             `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	Attempts  int             `json:"attempts"`
	Status    Status          `json:"status"`
	LastError string          `json:"last_error,omitempty"`
	FailedAt  *time.Time      `json:"failed_at,omitempty"`
}

// Bind decodes the job payload into v.
func (j *Job) Bind(v any) error {
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload for job %s: %w", j.ID, err)
	}
	return nil
}

// member is the sorted-set member for the job. ZPOPMAX breaks score ties by
// taking the lexicographically greatest member, so the prefix counts down
// with creation time to make equal priorities come out oldest first.
func (j *Job) member() string {
	return fmt.Sprintf("%019d:%s", math.MaxInt64-j.CreatedAt.UnixNano(), j.ID)
}

func idFromMember(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}
