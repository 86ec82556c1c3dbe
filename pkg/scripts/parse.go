package scripts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError is returned when engine output does not contain a well-formed
// result. Raw holds the complete output for diagnostics.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse engine output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsolateResultLines returns the lines of output that structurally look like
// a single JSON object or array, dropping any surrounding log noise.
func IsolateResultLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 {
			continue
		}
		first, last := line[0], line[len(line)-1]
		if (first == '{' && last == '}') || (first == '[' && last == ']') {
			lines = append(lines, line)
		}
	}
	return lines
}

// decodeResult decodes the last result line of output into v.
func decodeResult(output string, v any) error {
	lines := IsolateResultLines(output)
	if len(lines) == 0 {
		return &ParseError{Raw: output, Err: fmt.Errorf("no result found in output")}
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), v); err != nil {
		return &ParseError{Raw: output, Err: err}
	}
	return nil
}

// Transcripts maps each input file to its transcript, or to a JSON string
// describing why that file could not be transcribed.
type Transcripts map[string]json.RawMessage

// Failed returns the error message recorded for file, if transcription of
// that file failed.
func (t Transcripts) Failed(file string) (string, bool) {
	raw, ok := t[file]
	if !ok {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", false
	}
	return msg, true
}

func ParseTranscripts(output string) (Transcripts, error) {
	var t Transcripts
	if err := decodeResult(output, &t); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &ParseError{Raw: output, Err: fmt.Errorf("result is not an object")}
	}
	return t, nil
}

func ParseMatches(output string) ([]Match, error) {
	matches := []Match{}
	if err := decodeResult(output, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

func ParseNgramSequence(output string) ([][]string, error) {
	var seq [][]string
	if err := decodeResult(output, &seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// Plan is the output of an ExportPlan invocation.
type Plan struct {
	Matches   []Match            `json:"matches"`
	Durations map[string]float64 `json:"durations"`
}

func ParsePlan(output string) (Plan, error) {
	var p Plan
	if err := decodeResult(output, &p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

var progressPattern = regexp.MustCompile(`(?m)^progress: (\d+)/(\d+)\s*$`)

// ParseProgress finds the last "progress: i/n" marker in text and returns it
// as a percentage.
func ParseProgress(text string) (int, bool) {
	all := progressPattern.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return 0, false
	}
	m := all[len(all)-1]
	done, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total <= 0 || done > total {
		return 0, false
	}
	return done * 100 / total, true
}

const maxProgressLine = 4096

// ProgressScanner finds progress markers in engine stderr that arrives in
// arbitrary chunks. Only complete lines are matched.
type ProgressScanner struct {
	pending string
	// set while dropping the rest of an overlong line
	discarding bool
}

// Scan consumes the next chunk and returns the last progress marker on the
// lines it completed.
func (p *ProgressScanner) Scan(chunk string) (int, bool) {
	i := strings.LastIndexByte(chunk, '\n')
	if i < 0 {
		if !p.discarding {
			p.pending += chunk
			if len(p.pending) > maxProgressLine {
				p.pending = ""
				p.discarding = true
			}
		}
		return 0, false
	}
	complete := p.pending + chunk[:i+1]
	if p.discarding {
		complete = complete[strings.IndexByte(complete, '\n')+1:]
		p.discarding = false
	}
	p.pending = chunk[i+1:]
	return ParseProgress(complete)
}

// Flush returns the progress marker on a final line that never got its
// newline.
func (p *ProgressScanner) Flush() (int, bool) {
	rest := p.pending
	p.pending, p.discarding = "", false
	return ParseProgress(rest)
}
