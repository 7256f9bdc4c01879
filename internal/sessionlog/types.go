// Package sessionlog keeps one lifecycle record per finished relay session.
// Records carry counters and outcome only, never audio or transcripts.
package sessionlog

import (
	"context"
	"time"
)

// Record describes one finished session.
type Record struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Preset         string    `json:"preset"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	FinalState     string    `json:"final_state"`
	EndReason      string    `json:"end_reason"`
	AudioChunksIn  int       `json:"audio_chunks_in"`
	AudioChunksOut int       `json:"audio_chunks_out"`
	Malformed      int       `json:"malformed"`
	Dropped        int       `json:"dropped"`
	GreetingSent   bool      `json:"greeting_sent"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
}

// Store persists and lists session records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
