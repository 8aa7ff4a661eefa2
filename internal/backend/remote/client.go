package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/engine"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	// CallTimeout bounds each worker call (0 = rely on the caller's context).
	// ExecuteModel is exempt: the engine's iteration timeout governs it.
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
	Logger         *zerolog.Logger
}

// Client implements engine.ComputeBackend against a remote worker.
type Client struct {
	baseURL     string
	callTimeout time.Duration
	httpClient  *http.Client
	log         zerolog.Logger
	stages      int
}

var (
	_ engine.ComputeBackend      = (*Client)(nil)
	_ engine.ModelConfigProvider = (*Client)(nil)
)

// Dial connects to the worker at opts.BaseURL and reads its stage count.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("remote: worker URL is required")
	}
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		callTimeout: opts.CallTimeout,
		// Timeout=0: every call carries a context deadline instead.
		httpClient: &http.Client{Transport: tr, Timeout: 0},
		log:        log.With().Str("component", "remote_client").Str("worker", opts.BaseURL).Logger(),
	}
	var sr stagesResponse
	if err := c.call(ctx, http.MethodGet, pathStages, nil, &sr, true); err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", c.baseURL, err)
	}
	if sr.Stages < 1 {
		return nil, fmt.Errorf("remote: worker reports %d stages", sr.Stages)
	}
	c.stages = sr.Stages
	c.log.Info().Int("stages", c.stages).Msg("connected to worker")
	return c, nil
}

func (c *Client) Stages() int { return c.stages }

func (c *Client) ModelConfig(ctx context.Context) (engine.ModelConfig, error) {
	var mc engine.ModelConfig
	err := c.call(ctx, http.MethodGet, pathModel, nil, &mc, true)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return engine.ModelConfig{Stages: c.stages}, nil
	}
	return mc, err
}

func (c *Client) AddRequest(ctx context.Context, req *engine.Request) error {
	return c.call(ctx, http.MethodPost, pathRequests, req, nil, true)
}

func (c *Client) AbortRequests(ctx context.Context, ids []string) error {
	return c.call(ctx, http.MethodPost, pathAbort, abortRequest{IDs: ids}, nil, true)
}

func (c *Client) Schedule(ctx context.Context, stage int) (*engine.Batch, error) {
	var b engine.Batch
	if err := c.call(ctx, http.MethodPost, pathSchedule+strconv.Itoa(stage), nil, &b, true); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) ExecuteModel(ctx context.Context, batch *engine.Batch) ([]engine.RawOutput, error) {
	var resp executeResponse
	if err := c.call(ctx, http.MethodPost, pathExecute, executeRequest{BatchID: batch.ID}, &resp, false); err != nil {
		return nil, err
	}
	return resp.Outputs, nil
}

func (c *Client) HasUnfinishedRequests(ctx context.Context, stage int) (bool, error) {
	var resp unfinishedResponse
	if err := c.call(ctx, http.MethodGet, pathUnfinished+strconv.Itoa(stage), nil, &resp, true); err != nil {
		return false, err
	}
	return resp.Unfinished, nil
}

func (c *Client) StopIdleWorkers(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, pathStopIdle, nil, nil, true)
}

func (c *Client) CheckHealth(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, pathHealth, nil, nil, true)
}

// statusError is a non-2xx worker response that is not a validation error.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return "worker returned " + strconv.Itoa(e.code) + ": " + e.msg }

// call performs one JSON round trip. bounded applies the per-call timeout.
func (c *Client) call(ctx context.Context, method, path string, in, out any, bounded bool) error {
	if bounded && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// decodeError rebuilds the worker's error, keeping validation errors typed.
func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var we workerError
	if err := json.Unmarshal(b, &we); err != nil || we.Error == "" {
		return &statusError{code: resp.StatusCode, msg: strings.TrimSpace(string(b))}
	}
	if we.Kind == errKindValidation {
		return &engine.ValidationError{RequestID: we.RequestID, Msg: we.Error}
	}
	return &statusError{code: resp.StatusCode, msg: we.Error}
}
