package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agentfleet/backend/app/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultBaseURL = "https://api.machines.dev/v1"

// ProviderError is returned for every non-2xx Machines API response.
type ProviderError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("fly api %s %s failed (%d): %s", e.Method, e.Endpoint, e.StatusCode, strings.TrimSpace(e.Body))
}

// IsNotFound reports whether err is a 404 from the Machines API.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tracer:  otel.Tracer("agentfleet/fly"),
	}
}

func appPath(t Target, format string, args ...any) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}
	return "/apps/" + url.PathEscape(t.App) + fmt.Sprintf(format, escaped...)
}

// do sends one request. out may be nil; a 204 leaves it untouched.
func (c *Client) do(ctx context.Context, op string, t Target, method, endpoint string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "fly."+op, trace.WithAttributes(
		attribute.String("fly.app", t.App),
		attribute.String("http.method", method),
		attribute.String("fly.endpoint", endpoint),
	))
	defer span.End()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(op, "transport_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("fly api %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	metrics.ProviderRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		perr := &ProviderError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(raw)}
		span.SetStatus(codes.Error, perr.Error())
		return perr
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) CreateVolume(ctx context.Context, t Target, req VolumeRequest) (*Volume, error) {
	var v Volume
	if err := c.do(ctx, "create_volume", t, http.MethodPost, appPath(t, "/volumes"), req, &v); err != nil {
		return nil, err
	}
	if v.ID == "" {
		return nil, fmt.Errorf("fly api create volume: response carried no volume id")
	}
	return &v, nil
}

func (c *Client) CreateMachine(ctx context.Context, t Target, region string, cfg MachineConfig) (*Machine, error) {
	var m Machine
	body := createMachineRequest{Region: region, Config: cfg}
	if err := c.do(ctx, "create_machine", t, http.MethodPost, appPath(t, "/machines"), body, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, fmt.Errorf("fly api create machine: response carried no machine id")
	}
	return &m, nil
}

func (c *Client) StartMachine(ctx context.Context, t Target, machineID string) error {
	return c.do(ctx, "start_machine", t, http.MethodPost, appPath(t, "/machines/%s/start", machineID), nil, nil)
}

func (c *Client) StopMachine(ctx context.Context, t Target, machineID string) error {
	return c.do(ctx, "stop_machine", t, http.MethodPost, appPath(t, "/machines/%s/stop", machineID), nil, nil)
}

func (c *Client) DeleteMachine(ctx context.Context, t Target, machineID string) error {
	return c.do(ctx, "delete_machine", t, http.MethodDelete, appPath(t, "/machines/%s", machineID), nil, nil)
}

func (c *Client) DeleteVolume(ctx context.Context, t Target, volumeID string) error {
	return c.do(ctx, "delete_volume", t, http.MethodDelete, appPath(t, "/volumes/%s", volumeID), nil, nil)
}

func (c *Client) CreateVolumeSnapshot(ctx context.Context, t Target, volumeID string) (*VolumeSnapshot, error) {
	var resp snapshotResponse
	if err := c.do(ctx, "create_volume_snapshot", t, http.MethodPost, appPath(t, "/volumes/%s/snapshots", volumeID), struct{}{}, &resp); err != nil {
		return nil, err
	}
	snap := resp.normalize()
	return &snap, nil
}

func (c *Client) Exec(ctx context.Context, t Target, machineID string, command []string) (*ExecResult, error) {
	var res ExecResult
	if err := c.do(ctx, "exec", t, http.MethodPost, appPath(t, "/machines/%s/exec", machineID), execRequest{Command: command}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
