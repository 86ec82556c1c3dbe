package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kralicky/supercut/pkg/auth"
	"github.com/kralicky/supercut/pkg/hub"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/logstream"
	"github.com/kralicky/supercut/pkg/media"
	"github.com/kralicky/supercut/pkg/runner"
	"github.com/kralicky/supercut/pkg/scripts"
	"github.com/kralicky/supercut/pkg/server"
)

// defaultEngine stands in for a python interpreter with videogrep installed.
// It is invoked as: <engine> -c <program> <json parameters>, and answers
// based on which program it was given.
const defaultEngine = `
dir=$(dirname "$0")
printf '%s' "$3" > "$dir/last-params.json"
case "$2" in
*create_supercut*)
	out=$(printf '%s' "$3" | sed -n 's/.*"output":"\([^"]*\)".*/\1/p')
	echo "Starting export..." >&2
	printf 'rendered supercut' > "$out"
	echo "Export process completed successfully!" >&2
	;;
*VideoFileClip*)
	echo "Searching for matching segments..." >&2
	echo '{"matches":[{"file":"a.mp4","start":1,"end":2,"content":"cat"},{"file":"a.mp4","start":9.5,"end":10,"content":"cat"}],"durations":{"a.mp4":10}}'
	;;
*get_ngrams*)
	echo '[["the","cat"],["cat","sat"],["sat","the"],["the","cat"],["cat","ran"]]'
	;;
*videogrep.search*)
	echo 'loading model'
	echo '[{"file":"a.mp4","start":1.5,"end":2.5,"content":"the cat"}]'
	;;
*videogrep.transcribe*)
	echo "Processing file: a.mp4" >&2
	echo "progress: 1/2" >&2
	echo "Processing file: b.mp4" >&2
	echo "Error processing b.mp4: No module named 'videogrep'" >&2
	echo "progress: 2/2" >&2
	echo '{"a.mp4": [{"content": "the cat sat the cat ran", "start": 0, "end": 1.5}], "b.mp4": "No module named '"'"'videogrep'"'"'"}'
	;;
*)
	echo "unknown program" >&2
	exit 2
	;;
esac
`

type fixture struct {
	dir    string
	engine string
	hub    *hub.Hub
	store  *jobs.MemoryStore
	queue  *jobs.Queue
	media  *media.Store
	server *server.Server
	ts     *httptest.Server
}

type fixtureOptions struct {
	engineScript   string
	authenticators []auth.Authenticator
	policy         jobs.Policy
}

func writeEngine(dir, script string) string {
	path := filepath.Join(dir, "python")
	Expect(os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755)).To(Succeed())
	return path
}

func newFixture(opts fixtureOptions) *fixture {
	if opts.engineScript == "" {
		opts.engineScript = defaultEngine
	}
	f := &fixture{dir: GinkgoT().TempDir()}
	f.engine = writeEngine(f.dir, opts.engineScript)
	f.hub = hub.New(hub.DefaultBufferSize)
	DeferCleanup(f.hub.Close)

	rt := runner.New(runner.Options{GracePeriod: 100 * time.Millisecond})
	engine := scripts.Engine{Python: f.engine}

	var err error
	f.media, err = media.NewStore(filepath.Join(f.dir, "uploads"), filepath.Join(f.dir, "exports"))
	Expect(err).NotTo(HaveOccurred())
	for _, name := range []string{"a.mp4", "b.mp4"} {
		Expect(os.WriteFile(f.upload(name), []byte("video"), 0o644)).To(Succeed())
	}

	f.store = jobs.NewMemoryStore()
	f.queue = jobs.NewQueue(jobs.Options{
		Store: f.store,
		Executor: &server.TranscriptionExecutor{
			Runner: rt,
			Engine: engine,
			Hub:    f.hub,
		},
		DefaultPolicy: opts.policy,
		PollInterval:  5 * time.Millisecond,
	})
	ctx, ca := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer GinkgoRecover()
		defer close(done)
		Expect(f.queue.Run(ctx, 2)).To(Succeed())
	}()
	DeferCleanup(func() {
		ca()
		Eventually(done).Should(BeClosed())
	})

	f.server = server.NewServer(server.Dependencies{
		Queue:  f.queue,
		Runner: rt,
		Engine: engine,
		Hub:    f.hub,
		Media:  f.media,
	}, server.Options{
		Authenticators:    opts.authenticators,
		KeepaliveInterval: 50 * time.Millisecond,
	})
	f.ts = httptest.NewServer(f.server.Handler())
	DeferCleanup(f.ts.Close)
	return f
}

// upload returns the stored path of an uploaded video.
func (f *fixture) upload(name string) string {
	return filepath.Join(f.media.UploadDir, name)
}

func (f *fixture) do(method, path string, body any, header ...string) (*http.Response, []byte) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, r)
	Expect(err).NotTo(HaveOccurred())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp, data
}

func (f *fixture) post(path string, body any) (*http.Response, []byte) {
	return f.do(http.MethodPost, path, body)
}

func (f *fixture) get(path string) (*http.Response, []byte) {
	return f.do(http.MethodGet, path, nil)
}

func (f *fixture) lastParams() map[string]any {
	data, err := os.ReadFile(filepath.Join(f.dir, "last-params.json"))
	Expect(err).NotTo(HaveOccurred())
	var params map[string]any
	Expect(json.Unmarshal(data, &params)).To(Succeed())
	return params
}

// sseClient reads server-sent events in the background.
type sseClient struct {
	resp   *http.Response
	frames chan string
}

func (f *fixture) openStream(ctx context.Context, path string) *sseClient {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+path, nil)
	Expect(err).NotTo(HaveOccurred())
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(resp.Body.Close)
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
	Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))

	c := &sseClient{resp: resp, frames: make(chan string, 1024)}
	go func() {
		defer close(c.frames)
		reader := bufio.NewReader(resp.Body)
		var frame strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\n" {
				c.frames <- frame.String()
				frame.Reset()
				continue
			}
			frame.WriteString(line)
		}
	}()
	return c
}

func decodeFrame(frame string) logstream.Line {
	Expect(frame).To(HavePrefix("data: "))
	var line logstream.Line
	Expect(json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(frame, "data: "))), &line)).To(Succeed())
	return line
}

// collect decodes data frames, accumulating text per channel, until done
// reports true for what was accumulated so far.
func (c *sseClient) collect(done func(map[logstream.Channel]string) bool) map[logstream.Channel]string {
	text := map[logstream.Channel]string{}
	timeout := time.After(10 * time.Second)
	for !done(text) {
		select {
		case frame, ok := <-c.frames:
			Expect(ok).To(BeTrue(), "stream ended early; received %v", text)
			if strings.HasPrefix(frame, ":") {
				continue
			}
			line := decodeFrame(frame)
			text[line.Channel] += line.Text
		case <-timeout:
			Fail(fmt.Sprintf("timed out waiting for log frames; received %v", text))
		}
	}
	return text
}

// drain returns every frame until the server ends the stream.
func (c *sseClient) drain() []string {
	var frames []string
	timeout := time.After(10 * time.Second)
	for {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				return frames
			}
			frames = append(frames, frame)
		case <-timeout:
			Fail("timed out waiting for the stream to end")
		}
	}
}
