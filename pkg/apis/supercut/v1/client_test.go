package supercutv1_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/logstream"
	"github.com/kralicky/supercut/pkg/scripts"
)

var _ = Describe("Client", func() {
	var (
		mux    *http.ServeMux
		client *supercutv1.Client
	)
	BeforeEach(func() {
		mux = http.NewServeMux()
		ts := httptest.NewServer(mux)
		DeferCleanup(ts.Close)
		var err error
		client, err = supercutv1.NewClient(supercutv1.ClientOptions{
			Address: ts.URL,
			Token:   "secret",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	It("should submit transcriptions with the bearer token", func(ctx SpecContext) {
		mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer secret"))
			Expect(r.URL.Query().Get("wait")).To(BeEmpty())
			var req supercutv1.TranscribeRequest
			Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
			Expect(req.Files).To(Equal([]string{"a.mp4"}))
			Expect(req.MaxAttempts).To(Equal(2))
			writeJSON(w, http.StatusAccepted, supercutv1.SubmitResponse{JobID: "abc"})
		})
		id, err := client.Transcribe(ctx, &supercutv1.TranscribeRequest{Files: []string{"a.mp4"}, MaxAttempts: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal("abc"))
	})

	It("should transcribe synchronously", func(ctx SpecContext) {
		mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.URL.Query().Get("wait")).To(Equal("true"))
			w.Write([]byte(`{"a.mp4": [{"content": "hi", "start": 0, "end": 1}], "b.mp4": "boom"}`))
		})
		t, err := client.TranscribeWait(ctx, &supercutv1.TranscribeRequest{Files: []string{"a.mp4", "b.mp4"}})
		Expect(err).NotTo(HaveOccurred())
		msg, failed := t.Failed("b.mp4")
		Expect(failed).To(BeTrue())
		Expect(msg).To(Equal("boom"))
	})

	It("should decode job statuses", func(ctx SpecContext) {
		mux.HandleFunc("/transcription-status/abc", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, jobs.Status{ID: "abc", State: jobs.StateActive, Progress: 50, Attempts: 1, MaxAttempts: 3})
		})
		mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []jobs.Status{{ID: "abc", State: jobs.StateQueued}})
		})
		st, err := client.Status(ctx, "abc")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.State).To(Equal(jobs.StateActive))
		Expect(st.Progress).To(Equal(50))

		list, err := client.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(1))
	})

	It("should return API errors with their details", func(ctx SpecContext) {
		mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusInternalServerError, supercutv1.ErrorResponse{Error: "Search failed", Details: "Traceback\n"})
		})
		_, err := client.Search(ctx, &supercutv1.SearchRequest{Files: []string{"a.mp4"}, Query: "x"})
		var apiErr *supercutv1.APIError
		Expect(err).To(BeAssignableToTypeOf(apiErr))
		apiErr = err.(*supercutv1.APIError)
		Expect(apiErr.StatusCode).To(Equal(http.StatusInternalServerError))
		Expect(apiErr.Message).To(Equal("Search failed"))
		Expect(apiErr.Details).To(Equal("Traceback\n"))
		Expect(apiErr.Error()).To(Equal("Search failed (500): Traceback"))
	})

	It("should return export failures as API errors", func(ctx SpecContext) {
		mux.HandleFunc("/export", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, supercutv1.ExportResponse{Message: "No matching segments found"})
		})
		_, err := client.Export(ctx, &supercutv1.ExportRequest{})
		Expect(err).To(MatchError("No matching segments found (422)"))
	})

	It("should return plain text errors", func(ctx SpecContext) {
		mux.HandleFunc("/test-video", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Video not found", http.StatusNotFound)
		})
		_, err := client.Download(ctx, "supercut_1.mp4", io.Discard)
		Expect(err).To(MatchError("Video not found (404)"))
	})

	It("should download rendered videos", func(ctx SpecContext) {
		mux.HandleFunc("/test-video", func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.URL.Query().Get("filename")).To(Equal("supercut_1.mp4"))
			w.Write([]byte("video"))
		})
		var sb strings.Builder
		n, err := client.Download(ctx, "supercut_1.mp4", &sb)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeEquivalentTo(5))
		Expect(sb.String()).To(Equal("video"))
	})

	It("should count n-grams", func(ctx SpecContext) {
		mux.HandleFunc("/ngrams", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[[["the","cat"],2],[["cat","sat"],1]]`))
		})
		counts, err := client.Ngrams(ctx, &supercutv1.NgramsRequest{Files: []string{"a.mp4"}, N: 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(counts).To(Equal([]scripts.NgramCount{
			{Ngram: []string{"the", "cat"}, Count: 2},
			{Ngram: []string{"cat", "sat"}, Count: 1},
		}))
	})

	It("should stream files to the upload endpoint", func(ctx SpecContext) {
		mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
			defer GinkgoRecover()
			Expect(r.ParseMultipartForm(1 << 20)).To(Succeed())
			var names []string
			for _, fh := range r.MultipartForm.File["videos"] {
				f, err := fh.Open()
				Expect(err).NotTo(HaveOccurred())
				data, _ := io.ReadAll(f)
				f.Close()
				names = append(names, fmt.Sprintf("%s=%s", fh.Filename, data))
			}
			writeJSON(w, http.StatusOK, supercutv1.UploadResponse{Files: names})
		})
		dir := GinkgoT().TempDir()
		a, b := filepath.Join(dir, "a.mp4"), filepath.Join(dir, "b.mov")
		Expect(os.WriteFile(a, []byte("aaa"), 0o644)).To(Succeed())
		Expect(os.WriteFile(b, []byte("bbb"), 0o644)).To(Succeed())

		files, err := client.Upload(ctx, a, b)
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(Equal([]string{"a.mp4=aaa", "b.mov=bbb"}))
	})

	It("should fail uploads of missing files", func(ctx SpecContext) {
		mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
			io.Copy(io.Discard, r.Body)
			writeJSON(w, http.StatusBadRequest, supercutv1.ErrorResponse{Error: "No files uploaded"})
		})
		_, err := client.Upload(ctx, filepath.Join(GinkgoT().TempDir(), "missing.mp4"))
		Expect(err).To(HaveOccurred())
	})

	It("should follow log streams", func(ctx SpecContext) {
		mux.HandleFunc("/jobs/abc/output", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": keepalive\n\n")
			fmt.Fprint(w, `data: {"log":"one\n","type":"stdout"}`+"\n\n")
			fmt.Fprint(w, `data: {"log":"two\n","type":"stderr"}`+"\n\n")
		})
		var lines []supercutv1.LogLine
		err := client.JobOutput(ctx, "abc", func(l supercutv1.LogLine) error {
			lines = append(lines, l)
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(Equal([]supercutv1.LogLine{
			{Text: "one\n", Channel: logstream.Stdout},
			{Text: "two\n", Channel: logstream.Stderr},
		}))
	})

	It("should stop streaming when the callback fails", func(ctx SpecContext) {
		mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
			for i := 0; i < 3; i++ {
				fmt.Fprintf(w, "data: {\"log\":\"%d\",\"type\":\"stdout\"}\n\n", i)
			}
		})
		stop := fmt.Errorf("stop")
		n := 0
		err := client.Logs(ctx, func(supercutv1.LogLine) error {
			n++
			return stop
		})
		Expect(err).To(MatchError(stop))
		Expect(n).To(Equal(1))
	})

	It("should carry the client in a context", func() {
		ctx := supercutv1.ContextWithClient(context.Background(), client)
		c, ok := supercutv1.ClientFromContext(ctx)
		Expect(ok).To(BeTrue())
		Expect(c).To(BeIdenticalTo(client))
		_, ok = supercutv1.ClientFromContext(context.Background())
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("ReadEvents", func() {
	It("should join multi-line data fields and skip other fields", func() {
		input := "event: log\ndata: {\"log\":\"a\",\ndata: \"type\":\"stdout\"}\n\n: comment\n\n"
		var lines []supercutv1.LogLine
		Expect(supercutv1.ReadEvents(strings.NewReader(input), func(l supercutv1.LogLine) error {
			lines = append(lines, l)
			return nil
		})).To(Succeed())
		Expect(lines).To(Equal([]supercutv1.LogLine{{Text: "a", Channel: logstream.Stdout}}))
	})
	It("should reject malformed frames", func() {
		err := supercutv1.ReadEvents(strings.NewReader("data: nope\n\n"), func(supercutv1.LogLine) error { return nil })
		Expect(err).To(MatchError(ContainSubstring("malformed event")))
	})
})
