// Package scripts builds the invocations of the external video-grep engine
// and parses what it prints. Builders are pure: they never start a process.
package scripts

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kralicky/supercut/pkg/runner"
)

const DefaultPython = "python3"

// MaxNgrams is the number of most frequent n-grams reported for a request.
const MaxNgrams = 100

type SearchType string

const (
	SearchSentence SearchType = "sentence"
	SearchFragment SearchType = "fragment"
)

// ParseSearchType normalizes a user supplied search type. "word" is accepted
// as an alias of "fragment", and an empty value means "sentence".
func ParseSearchType(s string) (SearchType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sentence":
		return SearchSentence, nil
	case "fragment", "word":
		return SearchFragment, nil
	default:
		return "", fmt.Errorf("%w: unknown search type %q (expecting sentence or fragment)", ErrInvalidInput, s)
	}
}

var ErrInvalidInput = errors.New("invalid input")

// Engine builds invocations of the engine through a Python interpreter.
type Engine struct {
	Python string
	// Working directory for every invocation; empty means the server's.
	Dir string
}

func (e Engine) invocation(program string, params any) (runner.Invocation, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return runner.Invocation{}, fmt.Errorf("failed to encode parameters: %w", err)
	}
	python := e.Python
	if python == "" {
		python = DefaultPython
	}
	return runner.Invocation{
		Command: python,
		Args:    []string{"-c", program, string(data)},
		Dir:     e.Dir,
		Env:     []string{"PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8"},
	}, nil
}

func validateFiles(files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: no files provided", ErrInvalidInput)
	}
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: empty file name", ErrInvalidInput)
		}
	}
	return nil
}

// SidecarPath returns the transcript file the engine reads and writes next to
// a video, used as a cache to skip re-transcription.
func SidecarPath(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file)) + ".json"
}

// Transcribe transcribes every file that does not have a sidecar transcript
// yet and prints the mapping file -> transcript (or error string).
func (e Engine) Transcribe(files []string) (runner.Invocation, error) {
	if err := validateFiles(files); err != nil {
		return runner.Invocation{}, err
	}
	return e.invocation(transcribeProgram, map[string]any{
		"files": files,
	})
}

func (e Engine) Search(files []string, query string, searchType SearchType) (runner.Invocation, error) {
	if err := validateFiles(files); err != nil {
		return runner.Invocation{}, err
	}
	if strings.TrimSpace(query) == "" {
		return runner.Invocation{}, fmt.Errorf("%w: no search query provided", ErrInvalidInput)
	}
	return e.invocation(searchProgram, map[string]any{
		"files":       files,
		"query":       query,
		"search_type": searchType,
	})
}

// Ngrams prints the full sequence of n-grams found in the transcripts of the
// given files; counting happens in CountNgrams.
func (e Engine) Ngrams(files []string, n int) (runner.Invocation, error) {
	if err := validateFiles(files); err != nil {
		return runner.Invocation{}, err
	}
	if n < 1 {
		return runner.Invocation{}, fmt.Errorf("%w: n must be >= 1, got %d", ErrInvalidInput, n)
	}
	return e.invocation(ngramsProgram, map[string]any{
		"files": files,
		"n":     n,
	})
}

// ExportPlan searches the files and reports each matched file's duration, so
// that the clip list can be composed before rendering.
func (e Engine) ExportPlan(files []string, query string, searchType SearchType) (runner.Invocation, error) {
	if err := validateFiles(files); err != nil {
		return runner.Invocation{}, err
	}
	if strings.TrimSpace(query) == "" {
		return runner.Invocation{}, fmt.Errorf("%w: no search query provided", ErrInvalidInput)
	}
	return e.invocation(exportPlanProgram, map[string]any{
		"files":       files,
		"query":       query,
		"search_type": searchType,
	})
}

// ExportRender splices the clips, in order, into a single video at
// outputPath.
func (e Engine) ExportRender(clips []Clip, outputPath string) (runner.Invocation, error) {
	if len(clips) == 0 {
		return runner.Invocation{}, fmt.Errorf("%w: nothing to export", ErrInvalidInput)
	}
	if outputPath == "" {
		return runner.Invocation{}, fmt.Errorf("%w: no output path", ErrInvalidInput)
	}
	return e.invocation(exportRenderProgram, map[string]any{
		"clips":  clips,
		"output": outputPath,
	})
}

// Match is one search hit, in seconds from the start of File.
type Match struct {
	File    string  `json:"file"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Content string  `json:"content"`
}

// Clip is one segment of a supercut.
type Clip struct {
	File  string  `json:"file"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ComposeClips turns matches into the clip list of a supercut. Each boundary
// is widened by padding and shifted by resync seconds, then clipped to
// [0, duration] of its file when the duration is known. Clips that end up
// empty are dropped; order is preserved.
func ComposeClips(matches []Match, durations map[string]float64, padding, resync float64) []Clip {
	clips := make([]Clip, 0, len(matches))
	for _, m := range matches {
		start := math.Max(0, m.Start-padding+resync)
		end := m.End + padding + resync
		if d, ok := durations[m.File]; ok && end > d {
			end = d
		}
		if end <= start {
			continue
		}
		clips = append(clips, Clip{File: m.File, Start: start, End: end})
	}
	return clips
}

// NgramCount is one n-gram and the number of times it occurs. It encodes to
// JSON as [[token, ...], count].
type NgramCount struct {
	Ngram []string
	Count int
}

func (c NgramCount) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Ngram, c.Count})
}

func (c *NgramCount) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("expected [ngram, count], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &c.Ngram); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &c.Count)
}

// CountNgrams returns the limit most frequent n-grams of seq, by descending
// count. Ties keep the order in which the n-grams were first encountered.
func CountNgrams(seq [][]string, limit int) []NgramCount {
	index := make(map[string]int)
	var counts []NgramCount
	for _, g := range seq {
		key := strings.Join(g, "\x00")
		if i, ok := index[key]; ok {
			counts[i].Count++
			continue
		}
		index[key] = len(counts)
		counts = append(counts, NgramCount{Ngram: g, Count: 1})
	}
	slices.SortStableFunc(counts, func(a, b NgramCount) int {
		return cmp.Compare(b.Count, a.Count)
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}
