package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/kralicky/supercut/pkg/auth"
	"github.com/kralicky/supercut/pkg/jobs"
	"github.com/kralicky/supercut/pkg/logstream"
	"github.com/kralicky/supercut/pkg/scripts"
	"github.com/kralicky/supercut/pkg/server"
)

func decode[T any](data []byte) T {
	var v T
	ExpectWithOffset(1, json.Unmarshal(data, &v)).To(Succeed(), string(data))
	return v
}

func freeAddress() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer l.Close()
	return l.Addr().String()
}

var _ = Describe("Server", func() {
	var f *fixture

	Context("with a working engine", func() {
		BeforeEach(func() {
			f = newFixture(fixtureOptions{})
		})

		Describe("POST /search", func() {
			It("should return the matches printed by the engine", func() {
				resp, body := f.post("/search", map[string]any{
					"files":      []string{"a.mp4"},
					"query":      "the cat",
					"searchType": "word",
				})
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				matches := decode[[]scripts.Match](body)
				Expect(matches).To(Equal([]scripts.Match{
					{File: "a.mp4", Start: 1.5, End: 2.5, Content: "the cat"},
				}))
				params := f.lastParams()
				Expect(params).To(HaveKeyWithValue("query", "the cat"))
				Expect(params).To(HaveKeyWithValue("search_type", "fragment"))
				Expect(params).To(HaveKeyWithValue("files", []any{f.upload("a.mp4")}))
			})
			It("should accept the paths returned by uploads", func() {
				resp, body := f.post("/search", map[string]any{
					"files": []string{f.upload("a.mp4")},
					"query": "the cat",
				})
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				Expect(f.lastParams()).To(HaveKeyWithValue("files", []any{f.upload("a.mp4")}))
			})
			It("should pass hostile queries through as data", func() {
				query := `"); import os; os.system("rm -rf /"); ("`
				resp, _ := f.post("/search", map[string]any{
					"files": []string{"a.mp4"},
					"query": query,
				})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(f.lastParams()).To(HaveKeyWithValue("query", query))
			})
			DescribeTable("should reject invalid requests",
				func(req map[string]any, message string) {
					resp, body := f.post("/search", req)
					Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
					Expect(decode[supercutv1.ErrorResponse](body).Error).To(ContainSubstring(message))
				},
				Entry("no files", map[string]any{"query": "x"}, "No files provided"),
				Entry("empty files", map[string]any{"files": []string{}, "query": "x"}, "No files provided"),
				Entry("no query", map[string]any{"files": []string{"a.mp4"}}, "No search query provided"),
				Entry("unknown search type", map[string]any{"files": []string{"a.mp4"}, "query": "x", "searchType": "regex"}, "Invalid search type"),
			)
			It("should reject malformed bodies", func() {
				req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/search", strings.NewReader("{"))
				Expect(err).NotTo(HaveOccurred())
				resp, err := http.DefaultClient.Do(req)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		Describe("POST /ngrams", func() {
			It("should count and rank the n-grams", func() {
				resp, body := f.post("/ngrams", map[string]any{
					"files": []string{"a.mp4"},
					"n":     2,
				})
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				Expect(body).To(MatchJSON(`[[["the","cat"],2],[["cat","sat"],1],[["sat","the"],1],[["cat","ran"],1]]`))
				Expect(f.lastParams()).To(HaveKeyWithValue("n", BeNumerically("==", 2)))
			})
			It("should require n >= 1", func() {
				resp, body := f.post("/ngrams", map[string]any{
					"files": []string{"a.mp4"},
					"n":     0,
				})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decode[supercutv1.ErrorResponse](body).Error).To(Equal("n must be >= 1"))
			})
		})

		Describe("POST /transcribe?wait=true", func() {
			It("should return the transcripts, including per-file errors", func() {
				resp, body := f.post("/transcribe?wait=true", map[string]any{
					"files": []string{"a.mp4", "b.mp4"},
				})
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				transcripts := decode[scripts.Transcripts](body)
				Expect(transcripts).To(HaveLen(2))
				Expect(transcripts["a.mp4"]).To(MatchJSON(`[{"content": "the cat sat the cat ran", "start": 0, "end": 1.5}]`))
				msg, failed := transcripts.Failed("b.mp4")
				Expect(failed).To(BeTrue())
				Expect(msg).To(Equal("No module named 'videogrep'"))
			})
			It("should require files", func() {
				resp, body := f.post("/transcribe?wait=true", map[string]any{})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decode[supercutv1.ErrorResponse](body).Error).To(Equal("No files provided"))
			})
		})

		Describe("transcription jobs", func() {
			submit := func(req map[string]any) string {
				resp, body := f.post("/transcribe", req)
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted), string(body))
				id := decode[map[string]string](body)["jobId"]
				Expect(id).NotTo(BeEmpty())
				Expect(resp.Header.Get("Location")).To(Equal("/transcription-status/" + id))
				return id
			}
			status := func(id string) jobs.Status {
				resp, body := f.get("/transcription-status/" + id)
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				return decode[jobs.Status](body)
			}

			It("should run queued jobs to completion", func() {
				id := submit(map[string]any{"files": []string{"a.mp4", "b.mp4"}})
				Eventually(func() jobs.State {
					return status(id).State
				}).Should(Equal(jobs.StateCompleted))

				st := status(id)
				Expect(st.Failed).To(BeFalse())
				Expect(st.Progress).To(Equal(100))
				Expect(st.Attempts).To(Equal(1))
				Expect(st.Files).To(Equal([]string{f.upload("a.mp4"), f.upload("b.mp4")}))
				Expect(st.Result).To(MatchJSON(`{
					"a.mp4": [{"content": "the cat sat the cat ran", "start": 0, "end": 1.5}],
					"b.mp4": "No module named 'videogrep'"
				}`))
			})
			It("should replay the output of a finished job", func(ctx SpecContext) {
				id := submit(map[string]any{"files": []string{"a.mp4", "b.mp4"}})
				Eventually(func() jobs.State {
					return status(id).State
				}).Should(Equal(jobs.StateCompleted))

				stream := f.openStream(ctx, "/jobs/"+id+"/output")
				var stderr, stdout strings.Builder
				for _, frame := range stream.drain() {
					if strings.HasPrefix(frame, ":") {
						continue
					}
					line := decodeFrame(frame)
					switch line.Channel {
					case logstream.Stderr:
						stderr.WriteString(line.Text)
					case logstream.Stdout:
						stdout.WriteString(line.Text)
					}
				}
				Expect(stderr.String()).To(ContainSubstring("Processing file: a.mp4\n"))
				Expect(stderr.String()).To(ContainSubstring("progress: 2/2\n"))
				Expect(stdout.String()).To(ContainSubstring(`"a.mp4"`))
			})
			It("should list jobs without their results", func() {
				id := submit(map[string]any{"files": []string{"a.mp4"}})
				Eventually(func() jobs.State {
					return status(id).State
				}).Should(Equal(jobs.StateCompleted))

				resp, body := f.get("/jobs")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				list := decode[[]jobs.Status](body)
				Expect(list).To(HaveLen(1))
				Expect(list[0].ID).To(Equal(id))
				Expect(list[0].Result).To(BeNil())
			})
			It("should report unknown jobs as not found", func() {
				resp, body := f.get("/transcription-status/does-not-exist")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(decode[supercutv1.ErrorResponse](body).Error).To(Equal("Job not found"))

				resp, _ = f.get("/jobs/does-not-exist/output")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
			It("should reject invalid retry policies", func() {
				resp, _ := f.post("/transcribe", map[string]any{
					"files":   []string{"a.mp4"},
					"backoff": map[string]any{"initialDelay": 10, "multiplier": 0.5},
				})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		Describe("POST /export", func() {
			It("should compose the clips and render the supercut", func() {
				resp, body := f.post("/export", map[string]any{
					"files":   []string{"a.mp4"},
					"query":   "cat",
					"padding": 0.5,
					"resync":  0.25,
				})
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				out := decode[supercutv1.ExportResponse](body)
				Expect(out.Success).To(BeTrue())
				Expect(out.Message).To(Equal("Supercut created successfully"))
				Expect(out.Output).To(MatchRegexp(`^supercut_\d+(-\d+)?\.mp4$`))

				params := f.lastParams()
				Expect(params["clips"]).To(Equal([]any{
					map[string]any{"file": "a.mp4", "start": 0.75, "end": 2.75},
					map[string]any{"file": "a.mp4", "start": 9.25, "end": 10.0},
				}))
				Expect(params["output"]).To(Equal(filepath.Join(f.media.ExportDir, out.Output)))

				resp, body = f.get("/test-video?filename=" + out.Output)
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(string(body)).To(Equal("rendered supercut"))
			})
			DescribeTable("should reject invalid requests",
				func(req map[string]any, message string) {
					resp, body := f.post("/export", req)
					Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
					out := decode[supercutv1.ExportResponse](body)
					Expect(out.Success).To(BeFalse())
					Expect(out.Message).To(Equal(message))
				},
				Entry("no files", map[string]any{"query": "x"}, "No files provided"),
				Entry("no query", map[string]any{"files": []string{"a.mp4"}}, "No search query provided"),
				Entry("negative padding", map[string]any{"files": []string{"a.mp4"}, "query": "x", "padding": -1}, "padding must not be negative"),
			)
		})

		DescribeTable("refusing files that were not uploaded",
			func(path string, req map[string]any) {
				Expect(os.WriteFile(filepath.Join(f.dir, "x.mp4"), []byte("x"), 0o644)).To(Succeed())
				for _, id := range []string{"/etc/x.mp4", "../x.mp4", filepath.Join(f.dir, "x.mp4"), f.upload("../x.mp4"), "missing.mp4"} {
					req["files"] = []string{"a.mp4", id}
					resp, body := f.post(path, req)
					Expect(resp.StatusCode).To(Equal(http.StatusNotFound), "%s: %s", id, body)
				}
				_, err := os.Stat(filepath.Join(f.dir, "last-params.json"))
				Expect(err).To(MatchError(os.ErrNotExist), "the engine must not be started")
				Expect(f.store.List(context.Background())).To(BeEmpty())
			},
			Entry("queued transcription", "/transcribe", map[string]any{}),
			Entry("synchronous transcription", "/transcribe?wait=true", map[string]any{}),
			Entry("search", "/search", map[string]any{"query": "cat"}),
			Entry("ngrams", "/ngrams", map[string]any{"n": 2}),
			Entry("export", "/export", map[string]any{"query": "cat"}),
		)

		Describe("GET /test-video", func() {
			It("should require a filename", func() {
				resp, body := f.get("/test-video")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(strings.TrimSpace(string(body))).To(Equal("Filename is required"))
			})
			It("should report missing videos", func() {
				resp, body := f.get("/test-video?filename=supercut_1.mp4")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
				Expect(strings.TrimSpace(string(body))).To(Equal("Video not found"))
			})
			It("should not serve files outside the export directory", func() {
				Expect(os.WriteFile(filepath.Join(f.dir, "secret.mp4"), []byte("secret"), 0o644)).To(Succeed())
				resp, _ := f.get("/test-video?filename=../secret.mp4")
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
			It("should serve byte ranges", func() {
				Expect(os.WriteFile(filepath.Join(f.media.ExportDir, "supercut_1.mp4"), []byte("0123456789"), 0o644)).To(Succeed())
				resp, body := f.do(http.MethodGet, "/test-video?filename=supercut_1.mp4", nil, "Range", "bytes=2-5")
				Expect(resp.StatusCode).To(Equal(http.StatusPartialContent))
				Expect(string(body)).To(Equal("2345"))
				Expect(resp.Header.Get("Content-Range")).To(Equal("bytes 2-5/10"))
			})
		})

		Describe("POST /upload", func() {
			upload := func(names ...string) (*http.Response, []byte) {
				var buf bytes.Buffer
				mw := multipart.NewWriter(&buf)
				for _, name := range names {
					part, err := mw.CreateFormFile("videos", name)
					Expect(err).NotTo(HaveOccurred())
					fmt.Fprintf(part, "contents of %s", name)
				}
				Expect(mw.Close()).To(Succeed())
				resp, err := http.Post(f.ts.URL+"/upload", mw.FormDataContentType(), &buf)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				return resp, body
			}

			It("should store the uploaded videos", func() {
				resp, body := upload("first.mp4", "second.MOV")
				Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))
				files := decode[map[string][]string](body)["files"]
				Expect(files).To(HaveLen(2))
				Expect(files[0]).To(HaveSuffix(".mp4"))
				Expect(filepath.Dir(files[0])).To(Equal(f.media.UploadDir))
				data, err := os.ReadFile(files[1])
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("contents of second.MOV"))
			})
			It("should reject non-video files and keep nothing", func() {
				resp, body := upload("first.mp4", "notes.txt")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decode[supercutv1.ErrorResponse](body).Error).To(Equal("only video files are allowed"))
				entries, err := os.ReadDir(f.media.UploadDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(BeEmpty())
			})
			It("should require at least one file", func() {
				resp, body := upload()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(decode[supercutv1.ErrorResponse](body).Error).To(Equal("No files uploaded"))
			})
		})

		Describe("GET /logs", func() {
			It("should stream engine output as it is produced", func(ctx SpecContext) {
				stream := f.openStream(ctx, "/logs")
				resp, _ := f.post("/search", map[string]any{
					"files": []string{"a.mp4"},
					"query": "the cat",
				})
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				text := stream.collect(func(text map[logstream.Channel]string) bool {
					return strings.Contains(text[logstream.Stdout], `"the cat"`)
				})
				Expect(text[logstream.Stdout]).To(HavePrefix("loading model\n"))
			})
			It("should send keepalives while idle", func(ctx SpecContext) {
				stream := f.openStream(ctx, "/logs")
				Eventually(stream.frames).Should(Receive(Equal(": keepalive\n")))
			})
			It("should end streams when the hub is closed", func(ctx SpecContext) {
				stream := f.openStream(ctx, "/logs")
				Eventually(f.hub.Len).Should(Equal(1))
				f.hub.Close()
				stream.drain()
			})
		})

		It("should answer CORS preflight requests", func() {
			resp, _ := f.do(http.MethodOptions, "/search", nil,
				"Origin", "http://localhost:3000",
				"Access-Control-Request-Method", "POST",
			)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
		})
	})

	Context("with a failing engine", func() {
		BeforeEach(func() {
			f = newFixture(fixtureOptions{
				engineScript: `echo "Traceback (most recent call last):" >&2
echo "ModuleNotFoundError: No module named 'videogrep'" >&2
exit 1
`,
				policy: jobs.Policy{MaxAttempts: 1},
			})
		})
		It("should report the engine's stderr", func() {
			resp, body := f.post("/search", map[string]any{
				"files": []string{"a.mp4"},
				"query": "x",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			e := decode[supercutv1.ErrorResponse](body)
			Expect(e.Error).To(Equal("Search failed"))
			Expect(e.Details).To(ContainSubstring("No module named 'videogrep'"))
		})
		It("should report export failures in the export response", func() {
			resp, body := f.post("/export", map[string]any{
				"files": []string{"a.mp4"},
				"query": "x",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			out := decode[supercutv1.ExportResponse](body)
			Expect(out.Success).To(BeFalse())
			Expect(out.Message).To(Equal("Export failed"))
			Expect(out.Error).To(ContainSubstring("Traceback"))
		})
		It("should fail queued jobs once their attempts are exhausted", func() {
			resp, body := f.post("/transcribe", map[string]any{"files": []string{"a.mp4"}})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			id := decode[map[string]string](body)["jobId"]

			var st jobs.Status
			Eventually(func() jobs.State {
				_, body := f.get("/transcription-status/" + id)
				st = decode[jobs.Status](body)
				return st.State
			}).Should(Equal(jobs.StateFailed))
			Expect(st.Failed).To(BeTrue())
			Expect(st.Attempts).To(Equal(1))
			Expect(st.FailureReason).To(ContainSubstring("No module named 'videogrep'"))
			Expect(st.Result).To(BeNil())
		})
	})

	Context("with an engine printing no result", func() {
		BeforeEach(func() {
			f = newFixture(fixtureOptions{
				engineScript: `echo "Warning: something odd happened"
`,
			})
		})
		It("should report the raw output", func() {
			resp, body := f.post("/ngrams", map[string]any{
				"files": []string{"a.mp4"},
				"n":     1,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			e := decode[supercutv1.ErrorResponse](body)
			Expect(e.Error).To(ContainSubstring("could not parse engine output"))
			Expect(e.Details).To(Equal("Warning: something odd happened\n"))
		})
	})

	Context("with an engine finding nothing", func() {
		BeforeEach(func() {
			f = newFixture(fixtureOptions{
				engineScript: `echo '{"matches": [], "durations": {}}'
`,
			})
		})
		It("should not render an empty supercut", func() {
			resp, body := f.post("/export", map[string]any{
				"files": []string{"a.mp4"},
				"query": "x",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			out := decode[supercutv1.ExportResponse](body)
			Expect(out.Success).To(BeFalse())
			Expect(out.Message).To(Equal("No matching segments found"))
			entries, err := os.ReadDir(f.media.ExportDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})
	})

	Context("with token authentication", func() {
		BeforeEach(func() {
			f = newFixture(fixtureOptions{
				authenticators: []auth.Authenticator{
					auth.NewTokenAuthenticator(map[string]string{
						"alice": "alice-token",
						"bob":   "bob-token",
					}),
				},
			})
		})
		bearer := func(token string) []string {
			return []string{"Authorization", "Bearer " + token}
		}

		It("should reject unauthenticated requests", func() {
			resp, body := f.get("/jobs")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(body).To(MatchJSON(`{"error": "unauthenticated"}`))

			resp, _ = f.do(http.MethodGet, "/jobs", nil, bearer("mallory-token")...)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
		It("should scope jobs to the user that submitted them", func() {
			resp, body := f.do(http.MethodPost, "/transcribe", map[string]any{
				"files": []string{"a.mp4"},
			}, bearer("alice-token")...)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			id := decode[map[string]string](body)["jobId"]

			resp, body = f.do(http.MethodGet, "/transcription-status/"+id, nil, bearer("alice-token")...)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode[jobs.Status](body).Owner).To(Equal("alice"))

			resp, _ = f.do(http.MethodGet, "/transcription-status/"+id, nil, bearer("bob-token")...)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			resp, body = f.do(http.MethodGet, "/jobs", nil, bearer("bob-token")...)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode[[]jobs.Status](body)).To(BeEmpty())

			resp, body = f.do(http.MethodGet, "/jobs", nil, bearer("alice-token")...)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decode[[]jobs.Status](body)).To(HaveLen(1))
		})
		It("should still answer CORS preflight requests", func() {
			resp, _ := f.do(http.MethodOptions, "/jobs", nil,
				"Origin", "http://localhost:3000",
				"Access-Control-Request-Method", "GET",
			)
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})
	})

	Describe("ListenAndServe", func() {
		It("should serve until the context is canceled", func() {
			f = newFixture(fixtureOptions{})
			listen, healthAddr := freeAddress(), freeAddress()
			srv := server.NewServer(server.Dependencies{
				Queue:  f.queue,
				Engine: scripts.Engine{Python: f.engine},
				Hub:    f.hub,
				Media:  f.media,
			}, server.Options{
				ListenAddress:   listen,
				HealthAddress:   healthAddr,
				ShutdownTimeout: time.Second,
			})

			ctx, ca := context.WithCancel(context.Background())
			defer ca()
			errC := make(chan error, 1)
			go func() {
				errC <- srv.ListenAndServe(ctx)
			}()

			Eventually(func() (int, error) {
				resp, err := http.Get("http://" + listen + "/test-video")
				if err != nil {
					return 0, err
				}
				resp.Body.Close()
				return resp.StatusCode, nil
			}).Should(Equal(http.StatusBadRequest))

			cc, err := grpc.Dial(healthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			Expect(err).NotTo(HaveOccurred())
			defer cc.Close()
			client := healthgrpc.NewHealthClient(cc)
			Eventually(func() (healthgrpc.HealthCheckResponse_ServingStatus, error) {
				resp, err := client.Check(context.Background(), &healthgrpc.HealthCheckRequest{
					Service: server.HealthServiceName,
				})
				return resp.GetStatus(), err
			}).Should(Equal(healthgrpc.HealthCheckResponse_SERVING))

			logs, err := http.Get("http://" + listen + "/logs")
			Expect(err).NotTo(HaveOccurred())
			defer logs.Body.Close()
			Eventually(f.hub.Len).Should(Equal(1))

			ca()
			Eventually(errC, 5*time.Second).Should(Receive(BeNil()))
			// open log streams end instead of holding up the shutdown
			_, err = io.ReadAll(logs.Body)
			Expect(err).NotTo(HaveOccurred())

			_, err = http.Get("http://" + listen + "/test-video")
			Expect(err).To(HaveOccurred())
		})
	})
})
