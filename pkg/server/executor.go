package server

import (
	"context"
	"encoding/json"

	"github.com/kralicky/supercut/pkg/hub"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/logstream"
	"github.com/kralicky/supercut/pkg/runner"
	"github.com/kralicky/supercut/pkg/scripts"
)

// TranscriptionExecutor runs queued transcription jobs through the engine.
// Every output line is recorded in the attempt's output and broadcast to log
// observers.
type TranscriptionExecutor struct {
	Runner *runner.Runner
	Engine scripts.Engine
	Hub    *hub.Hub
}

var _ jobs.Executor = (*TranscriptionExecutor)(nil)

// Execute implements jobs.Executor.
func (e *TranscriptionExecutor) Execute(ctx context.Context, attempt *jobs.Attempt) (json.RawMessage, error) {
	inv, err := e.Engine.Transcribe(attempt.Job.Files)
	if err != nil {
		return nil, err
	}
	proc, err := e.Runner.Start(ctx, inv)
	if err != nil {
		return nil, err
	}
	var progress scripts.ProgressScanner
	// drained until the process exits, whatever happens to ctx
	for line := range proc.Lines(context.Background()) {
		attempt.Output.Append(line)
		e.Hub.Publish(line)
		if line.Channel != logstream.Stderr {
			continue
		}
		if percent, ok := progress.Scan(line.Text); ok {
			attempt.SetProgress(percent)
		}
	}
	if percent, ok := progress.Flush(); ok {
		attempt.SetProgress(percent)
	}
	result, err := proc.Wait()
	if err != nil {
		return nil, err
	}
	transcripts, err := scripts.ParseTranscripts(result.Stdout)
	if err != nil {
		return nil, err
	}
	return json.Marshal(transcripts)
}
