package supercutv1

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const DefaultAddress = "127.0.0.1:5000"

type ClientOptions struct {
	// host:port, or a full http(s) URL.
	Address string
	Token   string
	// TLS settings. Setting any of these switches a bare host:port address
	// to https.
	CaCertFile string
	CertFile   string
	KeyFile    string
	// Overrides the HTTP client built from the options above.
	HTTPClient *http.Client
}

// Client calls the supercut HTTP API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// APIError is returned for any non-success response.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
	if e.Details != "" {
		msg += ": " + strings.TrimSpace(e.Details)
	}
	return msg
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	useTLS := opts.CaCertFile != "" || opts.CertFile != ""
	address := opts.Address
	if !strings.Contains(address, "://") {
		if useTLS {
			address = "https://" + address
		} else {
			address = "http://" + address
		}
	}
	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", opts.Address, err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
		if useTLS {
			tlsConfig, err := clientTLSConfig(opts)
			if err != nil {
				return nil, err
			}
			transport := http.DefaultTransport.(*http.Transport).Clone()
			transport.TLSClientConfig = tlsConfig
			httpClient.Transport = transport
		}
	}
	return &Client{
		base:  base,
		token: opts.Token,
		http:  httpClient,
	}, nil
}

func clientTLSConfig(opts ClientOptions) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if opts.CaCertFile != "" {
		caBytes, err := os.ReadFile(opts.CaCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read server CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CaCertFile)
		}
		tlsConfig.RootCAs = pool
	}
	if opts.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// send performs req and returns the response if its status is expected;
// otherwise the body is decoded into an APIError.
func (c *Client) send(req *http.Request, expected ...int) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	for _, code := range expected {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
		Message string `json:"message"`
	}
	switch {
	case json.Unmarshal(data, &body) == nil && body.Message != "":
		// export responses carry the summary in message
		apiErr.Message, apiErr.Details = body.Message, body.Error
	case body.Error != "":
		apiErr.Message, apiErr.Details = body.Error, body.Details
	default:
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any, expected ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(expected) == 0 {
		expected = []int{http.StatusOK}
	}
	resp, err := c.send(req, expected...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Upload streams the given local files to the server and returns the paths
// they were stored under.
func (c *Client) Upload(ctx context.Context, paths ...string) ([]string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, paths))
	}()
	req, err := c.newRequest(ctx, http.MethodPost, "/upload", nil, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.send(req, http.StatusOK)
	pr.Close()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Files, nil
}

func writeParts(mw *multipart.Writer, paths []string) error {
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile("videos", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return err
		}
	}
	return mw.Close()
}

// Transcribe submits a transcription job and returns its id.
func (c *Client) Transcribe(ctx context.Context, req *TranscribeRequest) (string, error) {
	var out SubmitResponse
	if err := c.call(ctx, http.MethodPost, "/transcribe", nil, req, &out, http.StatusAccepted); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// TranscribeWait transcribes synchronously. Retry settings in req are
// ignored.
func (c *Client) TranscribeWait(ctx context.Context, req *TranscribeRequest) (Transcripts, error) {
	var out Transcripts
	if err := c.call(ctx, http.MethodPost, "/transcribe", url.Values{"wait": {"true"}}, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	if err := c.call(ctx, http.MethodGet, "/transcription-status/"+url.PathEscape(jobID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context) ([]JobStatus, error) {
	var out []JobStatus
	if err := c.call(ctx, http.MethodGet, "/jobs", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, req *SearchRequest) ([]Match, error) {
	var out []Match
	if err := c.call(ctx, http.MethodPost, "/search", nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Ngrams(ctx context.Context, req *NgramsRequest) ([]NgramCount, error) {
	var out []NgramCount
	if err := c.call(ctx, http.MethodPost, "/ngrams", nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Export renders a supercut and returns the server's response. Failures are
// returned as an *APIError.
func (c *Client) Export(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	var out ExportResponse
	if err := c.call(ctx, http.MethodPost, "/export", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download writes the rendered supercut with the given name to w.
func (c *Client) Download(ctx context.Context, name string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/test-video", url.Values{"filename": {name}}, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.send(req, http.StatusOK)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// Logs calls fn with every line broadcast by the server until ctx is canceled
// or the server ends the stream.
func (c *Client) Logs(ctx context.Context, fn func(LogLine) error) error {
	return c.stream(ctx, "/logs", fn)
}

// JobOutput calls fn with the recorded output of the latest attempt of a job,
// following it until the attempt ends.
func (c *Client) JobOutput(ctx context.Context, jobID string, fn func(LogLine) error) error {
	return c.stream(ctx, "/jobs/"+url.PathEscape(jobID)+"/output", fn)
}

func (c *Client) stream(ctx context.Context, path string, fn func(LogLine) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.send(req, http.StatusOK)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return ReadEvents(resp.Body, fn)
}

// ReadEvents decodes server-sent events from r, calling fn for each data
// frame. Comments (keepalives) are skipped.
func ReadEvents(r io.Reader, fn func(LogLine) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if data == nil {
				continue
			}
			var l LogLine
			if err := json.Unmarshal(data, &l); err != nil {
				return fmt.Errorf("malformed event: %w", err)
			}
			data = nil
			if err := fn(l); err != nil {
				return err
			}
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			payload := bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" "))
			if data != nil {
				data = append(data, '\n')
			}
			data = append(data, payload...)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
