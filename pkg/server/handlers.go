package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/kralicky/supercut/pkg/auth"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/logstream"
	"github.com/kralicky/supercut/pkg/runner"
	"github.com/kralicky/supercut/pkg/scripts"
)

const (
	maxRequestBytes = 1 << 20
	uploadField     = "videos"
)

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return supercutv1.Invalid("Request body is required")
		}
		return supercutv1.Invalid(fmt.Sprintf("Invalid request body: %v", err))
	}
	return nil
}

// run executes a synchronous operation, broadcasting its output to log
// observers. The process is not bound to the request: a client that goes
// away does not stop it.
func (s *Server) run(inv runner.Invocation) (runner.Result, error) {
	return s.Runner.Run(s.baseCtx, inv, s.Hub.Publish)
}

func requestOwner(r *http.Request) string {
	user, _ := auth.AuthenticatedUserFromContext(r.Context())
	return string(user)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, "Upload failed", supercutv1.Invalid("Expected a multipart/form-data request"))
		return
	}
	var files []string
	cleanup := func() {
		for _, f := range files {
			os.Remove(f)
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			writeError(w, r, "Upload failed", supercutv1.Invalid(fmt.Sprintf("Malformed multipart body: %v", err)))
			return
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			part.Close()
			continue
		}
		path, err := s.Media.Save(part.FileName(), part)
		part.Close()
		if err != nil {
			cleanup()
			writeError(w, r, "Upload failed", err)
			return
		}
		files = append(files, path)
	}
	if len(files) == 0 {
		writeError(w, r, "Upload failed", supercutv1.Invalid("No files uploaded"))
		return
	}
	slog.With("files", files).Info("files uploaded")
	writeJSON(w, http.StatusOK, supercutv1.UploadResponse{Files: files})
}

// handleTranscribe queues a transcription job, or with ?wait=true transcribes
// synchronously and returns the file -> transcript mapping.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req supercutv1.TranscribeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "Transcription failed", err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, "Transcription failed", err)
		return
	}
	files, err := s.Media.ResolveAll(req.Files)
	if err != nil {
		writeError(w, r, "Transcription failed", err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		s.transcribeSync(w, r, files)
		return
	}
	id, err := s.Queue.Submit(r.Context(), files, req.Policy(), requestOwner(r))
	if err != nil {
		writeError(w, r, "Transcription failed", err)
		return
	}
	w.Header().Set("Location", "/transcription-status/"+id)
	writeJSON(w, http.StatusAccepted, supercutv1.SubmitResponse{JobID: id})
}

func (s *Server) transcribeSync(w http.ResponseWriter, r *http.Request, files []string) {
	inv, err := s.Engine.Transcribe(files)
	if err != nil {
		writeError(w, r, "Transcription failed", err)
		return
	}
	result, err := s.run(inv)
	if err != nil {
		writeError(w, r, "Transcription failed", err)
		return
	}
	transcripts, err := scripts.ParseTranscripts(result.Stdout)
	if err != nil {
		writeError(w, r, "Transcription failed", err)
		return
	}
	writeJSON(w, http.StatusOK, transcripts)
}

// lookupScoped returns the status of a job visible to the requesting user.
// Jobs owned by other users are reported as not found.
func (s *Server) lookupScoped(ctx context.Context, id string) (jobs.Status, error) {
	st, err := s.Queue.Status(ctx, id)
	if err != nil {
		return jobs.Status{}, err
	}
	if user, ok := auth.AuthenticatedUserFromContext(ctx); ok && st.Owner != string(user) {
		return jobs.Status{}, jobs.ErrNotFound
	}
	return st, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.lookupScoped(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, r, "Status lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.Queue.List(r.Context())
	if err != nil {
		writeError(w, r, "Listing jobs failed", err)
		return
	}
	user, scoped := auth.AuthenticatedUserFromContext(r.Context())
	items := make([]jobs.Status, 0, len(all))
	for _, st := range all {
		if scoped && st.Owner != string(user) {
			continue
		}
		// results can be large; fetch them through the status endpoint
		st.Result = nil
		items = append(items, st)
	}
	writeJSON(w, http.StatusOK, items)
}

// handleJobOutput streams the output of the latest attempt of a job that ran
// in this server process, replaying what was already written.
func (s *Server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["jobId"]
	if _, err := s.lookupScoped(r.Context(), id); err != nil {
		writeError(w, r, "Output lookup failed", err)
		return
	}
	buf, ok := s.Queue.Output(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, supercutv1.ErrorResponse{Error: "No output recorded for this job yet"})
		return
	}
	stream, err := newEventStream(w)
	if err != nil {
		writeError(w, r, "Output lookup failed", err)
		return
	}
	stream.pump(r.Context(), buf.NewStream(r.Context()), s.KeepaliveInterval)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req supercutv1.SearchRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "Search failed", err)
		return
	}
	searchType, err := req.Validate()
	if err != nil {
		writeError(w, r, "Search failed", err)
		return
	}
	files, err := s.Media.ResolveAll(req.Files)
	if err != nil {
		writeError(w, r, "Search failed", err)
		return
	}
	inv, err := s.Engine.Search(files, req.Query, searchType)
	if err != nil {
		writeError(w, r, "Search failed", err)
		return
	}
	result, err := s.run(inv)
	if err != nil {
		writeError(w, r, "Search failed", err)
		return
	}
	matches, err := scripts.ParseMatches(result.Stdout)
	if err != nil {
		writeError(w, r, "Search failed", err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleNgrams(w http.ResponseWriter, r *http.Request) {
	var req supercutv1.NgramsRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "Ngrams failed", err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, "Ngrams failed", err)
		return
	}
	files, err := s.Media.ResolveAll(req.Files)
	if err != nil {
		writeError(w, r, "Ngrams failed", err)
		return
	}
	inv, err := s.Engine.Ngrams(files, req.N)
	if err != nil {
		writeError(w, r, "Ngrams failed", err)
		return
	}
	result, err := s.run(inv)
	if err != nil {
		writeError(w, r, "Ngrams failed", err)
		return
	}
	seq, err := scripts.ParseNgramSequence(result.Stdout)
	if err != nil {
		writeError(w, r, "Ngrams failed", err)
		return
	}
	counts := scripts.CountNgrams(seq, scripts.MaxNgrams)
	if counts == nil {
		counts = []scripts.NgramCount{}
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	fail := func(err error) {
		status, resp := statusFor("Export failed", err)
		out := supercutv1.ExportResponse{Message: resp.Error}
		if status >= 500 {
			out.Error = resp.Details
			slog.With("error", err).Error("export failed")
		}
		writeJSON(w, status, out)
	}

	var req supercutv1.ExportRequest
	if err := decodeRequest(w, r, &req); err != nil {
		fail(err)
		return
	}
	searchType, err := req.Validate()
	if err != nil {
		fail(err)
		return
	}
	files, err := s.Media.ResolveAll(req.Files)
	if err != nil {
		fail(err)
		return
	}

	inv, err := s.Engine.ExportPlan(files, req.Query, searchType)
	if err != nil {
		fail(err)
		return
	}
	result, err := s.run(inv)
	if err != nil {
		fail(err)
		return
	}
	plan, err := scripts.ParsePlan(result.Stdout)
	if err != nil {
		fail(err)
		return
	}
	clips := scripts.ComposeClips(plan.Matches, plan.Durations, req.Padding, req.Resync)
	if len(clips) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, supercutv1.ExportResponse{Message: "No matching segments found"})
		return
	}

	name, path, err := s.Media.ReserveExport()
	if err != nil {
		fail(err)
		return
	}
	inv, err = s.Engine.ExportRender(clips, path)
	if err == nil {
		_, err = s.run(inv)
	}
	if err != nil {
		s.Media.Release(name)
		fail(err)
		return
	}
	s.Hub.Publish(logstream.Line{Text: fmt.Sprintf("Supercut created: %s\n", name), Channel: logstream.Stdout})
	writeJSON(w, http.StatusOK, supercutv1.ExportResponse{
		Success: true,
		Output:  name,
		Message: "Supercut created successfully",
	})
}

func (s *Server) handleTestVideo(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	if name == "" {
		http.Error(w, "Filename is required", http.StatusBadRequest)
		return
	}
	f, info, err := s.Media.OpenExport(name)
	if err != nil {
		status, resp := statusFor("Video lookup failed", err)
		http.Error(w, resp.Error, status)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// handleLogs streams every engine output line broadcast while the client is
// connected, as server-sent events.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	// subscribe before the headers go out, so that a client which has seen
	// the response is guaranteed to receive every later line
	observer := s.Hub.Subscribe()
	defer s.Hub.Unsubscribe(observer)

	stream, err := newEventStream(w)
	if err != nil {
		writeError(w, r, "Log streaming failed", err)
		return
	}
	lg := slog.With("observer", observer.ID, "remote", r.RemoteAddr)
	lg.Debug("log observer connected")
	stream.pump(r.Context(), observer.C, s.KeepaliveInterval)
	if observer.Dropped() {
		lg.Warn("log observer dropped for falling behind")
	} else {
		lg.Debug("log observer disconnected")
	}
}
