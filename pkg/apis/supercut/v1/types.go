// Package supercutv1 defines the request and response bodies of the supercut
// HTTP API, and a client for it.
package supercutv1

import (
	"time"

	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/logstream"
	"github.com/kralicky/supercut/pkg/scripts"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type UploadResponse struct {
	Files []string `json:"files"`
}

// Backoff durations are in milliseconds.
type Backoff struct {
	InitialDelay int64   `json:"initialDelay"`
	Multiplier   float64 `json:"multiplier"`
}

// TranscribeRequest submits a transcription. Zero policy fields take the
// server's defaults.
type TranscribeRequest struct {
	Files       []string `json:"files"`
	MaxAttempts int      `json:"maxAttempts,omitempty"`
	Backoff     *Backoff `json:"backoff,omitempty"`
	// milliseconds
	Timeout int64 `json:"timeout,omitempty"`
}

// Policy converts the request's retry settings. Call Validate first.
func (r *TranscribeRequest) Policy() jobs.Policy {
	p := jobs.Policy{
		MaxAttempts: r.MaxAttempts,
		Timeout:     time.Duration(r.Timeout) * time.Millisecond,
	}
	if r.Backoff != nil {
		p.Backoff = jobs.Backoff{
			InitialDelay: time.Duration(r.Backoff.InitialDelay) * time.Millisecond,
			Multiplier:   r.Backoff.Multiplier,
		}
	}
	return p
}

type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// Transcripts maps each file to its transcript or to an error string.
type Transcripts = scripts.Transcripts

type JobStatus = jobs.Status

type SearchRequest struct {
	Files      []string `json:"files"`
	Query      string   `json:"query"`
	SearchType string   `json:"searchType,omitempty"`
}

type Match = scripts.Match

type NgramsRequest struct {
	Files []string `json:"files"`
	N     int      `json:"n"`
}

type NgramCount = scripts.NgramCount

type ExportRequest struct {
	SearchRequest
	// seconds
	Padding float64 `json:"padding,omitempty"`
	Resync  float64 `json:"resync,omitempty"`
}

type ExportResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// LogLine is one server-sent event of a log stream.
type LogLine = logstream.Line
