// Package remote talks to the compute service that runs the model-side
// steps (alignment, weighting, training, sampling, scoring).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const DefaultTimeout = 3000 * time.Second

// RemoteServiceError is any failure of the compute service: transport
// errors, non-2xx answers, an "error" field or a response missing a
// required field.
type RemoteServiceError struct {
	Endpoint string
	Status   int
	Message  string
	Err      error
}

func (e *RemoteServiceError) Error() string {
	var b strings.Builder
	b.WriteString("remote ")
	b.WriteString(e.Endpoint)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Attempts counts tries for transport errors and 5xx answers.
	Attempts int
}

type Client struct {
	base     string
	http     *http.Client
	attempts int
	logger   *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: cfg.Timeout},
		attempts: cfg.Attempts,
		logger:   logger.With("component", "remote"),
	}
}

// Common is embedded by every response.
type Common struct {
	Error            string   `json:"error,omitempty"`
	ProgressMessages []string `json:"progress_messages,omitempty"`
}

func (c Common) Progress() []string {
	return c.ProgressMessages
}

type response interface {
	errorField() string
	missing() string
}

func (c Common) errorField() string { return c.Error }

type TracebackRequest struct {
	Traceback string `json:"traceback"`
	CMFile    string `json:"cmfile"`
	CPU       int    `json:"cpu"`
	UserID    int64  `json:"user_id"`
}

type OutputFileResponse struct {
	Common
	OutputFile string `json:"output_file"`
}

func (r OutputFileResponse) missing() string {
	if r.OutputFile == "" {
		return "output_file"
	}
	return ""
}

type SplitOnehotRequest struct {
	FileURL     string  `json:"file_url"`
	TrainRatio  float64 `json:"train_ratio"`
	RandomState int     `json:"random_state"`
	UserID      int64   `json:"user_id"`
}

type SplitOnehotResponse struct {
	Common
	TrainURL string `json:"train_url"`
	ValidURL string `json:"valid_url"`
	TestURL  string `json:"test_url"`
}

func (r SplitOnehotResponse) missing() string {
	switch {
	case r.TrainURL == "":
		return "train_url"
	case r.ValidURL == "":
		return "valid_url"
	case r.TestURL == "":
		return "test_url"
	}
	return ""
}

type GenerateWeightRequest struct {
	FileURL    string  `json:"file_url"`
	Mode       string  `json:"mode"`
	Threshold  float64 `json:"threshold"`
	NSamples   int     `json:"n_samples"`
	CPU        int     `json:"cpu"`
	PrintEvery int     `json:"print_every"`
	UserID     int64   `json:"user_id"`
}

type GenerateWeightResponse struct {
	Common
	OutputURL string  `json:"output_url"`
	NTotal    float64 `json:"Ntotal"`
	NEff      float64 `json:"Neff"`
}

func (r GenerateWeightResponse) missing() string {
	if r.OutputURL == "" {
		return "output_url"
	}
	return ""
}

type TrainRequest struct {
	UserID    int64   `json:"user_id"`
	XTrainURL string  `json:"X_train_url"`
	WTrainURL string  `json:"w_train_url"`
	XValidURL string  `json:"X_valid_url"`
	WValidURL string  `json:"w_valid_url"`
	Beta      float64 `json:"beta"`
}

type SampleRequest struct {
	UserID    int64  `json:"user_id"`
	ConfigURL string `json:"config_url"`
	CkptURL   string `json:"ckpt_url"`
	CMFileURL string `json:"cmfile_url"`
	NSamples  int    `json:"n_samples"`
}

type TrexScoreRequest struct {
	TemplateURL string `json:"template_url"`
	TestURL     string `json:"test_url"`
	UserID      int64  `json:"user_id"`
}

func (c *Client) ProcessTraceback(ctx context.Context, req TracebackRequest) (OutputFileResponse, error) {
	return call[OutputFileResponse](ctx, c, "/process_traceback", req)
}

func (c *Client) SplitOnehot(ctx context.Context, req SplitOnehotRequest) (SplitOnehotResponse, error) {
	return call[SplitOnehotResponse](ctx, c, "/process_split_onehot", req)
}

func (c *Client) GenerateWeight(ctx context.Context, req GenerateWeightRequest) (GenerateWeightResponse, error) {
	return call[GenerateWeightResponse](ctx, c, "/generate_weight", req)
}

func (c *Client) Train(ctx context.Context, req TrainRequest) (OutputFileResponse, error) {
	return call[OutputFileResponse](ctx, c, "/train", req)
}

func (c *Client) Sample(ctx context.Context, req SampleRequest) (OutputFileResponse, error) {
	return call[OutputFileResponse](ctx, c, "/sample", req)
}

func (c *Client) TrexScore(ctx context.Context, req TrexScoreRequest) (OutputFileResponse, error) {
	return call[OutputFileResponse](ctx, c, "/trex_score", req)
}

func call[R response](ctx context.Context, c *Client, endpoint string, body any) (R, error) {
	var out R
	var lastErr error
	for i := 0; i < c.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return out, &RemoteServiceError{Endpoint: endpoint, Err: ctx.Err()}
			case <-time.After(time.Duration(i*250) * time.Millisecond):
			}
			c.logger.Debug("retrying remote call", "endpoint", endpoint, "attempt", i+1, "error", lastErr)
		}
		var retry bool
		out = *new(R)
		retry, lastErr = c.postJSON(ctx, endpoint, body, &out)
		if lastErr == nil || !retry {
			break
		}
	}
	if lastErr != nil {
		return out, lastErr
	}
	if msg := out.errorField(); msg != "" {
		return out, &RemoteServiceError{Endpoint: endpoint, Message: msg}
	}
	if field := out.missing(); field != "" {
		return out, &RemoteServiceError{Endpoint: endpoint, Message: "response is missing " + field}
	}
	return out, nil
}

// postJSON posts reqBody and decodes the answer into out. retry reports
// whether the failure is worth another attempt.
func (c *Client) postJSON(ctx context.Context, endpoint string, reqBody any, out any) (retry bool, err error) {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return false, &RemoteServiceError{Endpoint: endpoint, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+endpoint, bytes.NewReader(b))
	if err != nil {
		return false, &RemoteServiceError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, &RemoteServiceError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	c.logger.Debug("remote call", "endpoint", endpoint, "status", resp.StatusCode, "elapsed", time.Since(started))

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var errBody Common
		text := strings.TrimSpace(string(msg))
		if json.Unmarshal(msg, &errBody) == nil && errBody.Error != "" {
			text = errBody.Error
		}
		return resp.StatusCode >= 500, &RemoteServiceError{Endpoint: endpoint, Status: resp.StatusCode, Message: text}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty response body")
		}
		return false, &RemoteServiceError{Endpoint: endpoint, Status: resp.StatusCode, Err: err}
	}
	return false, nil
}
