package sandbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultSocketPath is the standard local Docker Engine socket.
	DefaultSocketPath = "/var/run/docker.sock"

	dockerAPIVersion = "v1.43"
)

// DockerClient is a Client backed by the Docker Engine HTTP API over the
// local unix socket.
type DockerClient struct {
	httpc   *http.Client
	baseURL string
}

// NewDockerClient creates a client for the engine at socketPath.
// An empty socketPath uses DefaultSocketPath.
func NewDockerClient(socketPath string) *DockerClient {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &DockerClient{
		httpc:   &http.Client{Transport: transport},
		baseURL: "http://docker/" + dockerAPIVersion,
	}
}

// apiError is the engine's error response body.
type apiError struct {
	Message string `json:"message"`
}

func (c *DockerClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docker api request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ae apiError
		_ = json.Unmarshal(data, &ae)
		msg := strings.TrimSpace(ae.Message)
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return nil, fmt.Errorf("docker api %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	return resp, nil
}

func (c *DockerClient) doDiscard(ctx context.Context, method, path string, body interface{}) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// EnsureImage checks for the image locally and pulls it when missing.
func (c *DockerClient) EnsureImage(ctx context.Context, ref string) error {
	err := c.doDiscard(ctx, http.MethodGet, "/images/"+url.PathEscape(ref)+"/json", nil)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	// Pull. The create endpoint streams progress messages; drain them so
	// the pull runs to completion.
	name, tag := splitImageRef(ref)
	path := fmt.Sprintf("/images/create?fromImage=%s&tag=%s", url.QueryEscape(name), url.QueryEscape(tag))
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("image pull for %s interrupted: %w", ref, err)
	}
	return nil
}

func splitImageRef(ref string) (name, tag string) {
	// A colon after the last slash separates the tag; anything else is a
	// registry port.
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

type containerCreateBody struct {
	Image      string            `json:"Image"`
	Cmd        []string          `json:"Cmd,omitempty"`
	Env        []string          `json:"Env,omitempty"`
	Labels     map[string]string `json:"Labels,omitempty"`
	HostConfig hostConfig        `json:"HostConfig"`
}

type hostConfig struct {
	Memory     int64 `json:"Memory,omitempty"`
	NanoCPUs   int64 `json:"NanoCpus,omitempty"`
	AutoRemove bool  `json:"AutoRemove"`
}

type containerCreateResponse struct {
	ID string `json:"Id"`
}

// CreateContainer creates a sandbox container and returns its id.
func (c *DockerClient) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	if opts.Image == "" {
		return "", fmt.Errorf("image reference is required")
	}

	body := containerCreateBody{
		Image:  opts.Image,
		Cmd:    opts.Cmd,
		Env:    opts.Env,
		Labels: map[string]string{"dev.stoke.sandbox": "true"},
		HostConfig: hostConfig{
			Memory: opts.MemoryBytes,
		},
	}
	if opts.CPUQuota > 0 {
		body.HostConfig.NanoCPUs = int64(opts.CPUQuota * 1e9)
	}
	if opts.MaxVirtualUsers > 0 {
		body.Env = append(body.Env, fmt.Sprintf("STOKE_MAX_VUS=%d", opts.MaxVirtualUsers))
	}

	path := "/containers/create"
	if opts.Name != "" {
		path += "?name=" + url.QueryEscape(opts.Name)
	}
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	defer resp.Body.Close()

	var created containerCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("runtime returned empty container id")
	}
	return created.ID, nil
}

// StartContainer starts a created container.
func (c *DockerClient) StartContainer(ctx context.Context, id string) error {
	return c.doDiscard(ctx, http.MethodPost, "/containers/"+id+"/start", nil)
}

// StopContainer requests a graceful stop with the given escalation timeout.
func (c *DockerClient) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	return c.doDiscard(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/stop?t=%d", id, secs), nil)
}

// KillContainer force-terminates the container.
func (c *DockerClient) KillContainer(ctx context.Context, id string) error {
	return c.doDiscard(ctx, http.MethodPost, "/containers/"+id+"/kill", nil)
}

// RemoveContainer removes the container and its anonymous volumes.
func (c *DockerClient) RemoveContainer(ctx context.Context, id string) error {
	return c.doDiscard(ctx, http.MethodDelete, "/containers/"+id+"?force=true&v=true", nil)
}

type containerInspectResponse struct {
	State struct {
		Running    bool      `json:"Running"`
		Status     string    `json:"Status"`
		ExitCode   int       `json:"ExitCode"`
		OOMKilled  bool      `json:"OOMKilled"`
		StartedAt  time.Time `json:"StartedAt"`
		FinishedAt time.Time `json:"FinishedAt"`
	} `json:"State"`
}

// InspectContainer returns the container's observed state.
func (c *DockerClient) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/containers/"+id+"/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var inspect containerInspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&inspect); err != nil {
		return nil, fmt.Errorf("failed to decode inspect response: %w", err)
	}
	return &ContainerState{
		Running:    inspect.State.Running,
		Status:     inspect.State.Status,
		ExitCode:   inspect.State.ExitCode,
		OOMKilled:  inspect.State.OOMKilled,
		StartedAt:  inspect.State.StartedAt,
		FinishedAt: inspect.State.FinishedAt,
	}, nil
}

// containerStatsResponse mirrors the subset of the engine's stats document
// the monitor consumes.
type containerStatsResponse struct {
	Read     time.Time `json:"read"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs     int    `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

// ContainerStats takes a single stats sample.
func (c *DockerClient) ContainerStats(ctx context.Context, id string) (*StatsSnapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/containers/"+id+"/stats?stream=false", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats containerStatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats response: %w", err)
	}

	snap := &StatsSnapshot{
		CPUTotalUsage:     stats.CPUStats.CPUUsage.TotalUsage,
		PreCPUTotalUsage:  stats.PreCPUStats.CPUUsage.TotalUsage,
		SystemCPUUsage:    stats.CPUStats.SystemCPUUsage,
		PreSystemCPUUsage: stats.PreCPUStats.SystemCPUUsage,
		OnlineCPUs:        stats.CPUStats.OnlineCPUs,
		MemoryUsageBytes:  stats.MemoryStats.Usage,
		MemoryLimitBytes:  stats.MemoryStats.Limit,
		ReadAt:            stats.Read,
	}
	for _, nw := range stats.Networks {
		snap.NetworkRxBytes += nw.RxBytes
		snap.NetworkTxBytes += nw.TxBytes
	}
	return snap, nil
}

// ContainerLogs fetches all container output so far.
//
// The engine multiplexes stdout/stderr into 8-byte-framed records when the
// container has no TTY; both framed and raw layouts are handled.
func (c *DockerClient) ContainerLogs(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/containers/"+id+"/logs?stdout=true&stderr=true", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	return demuxLogStream(raw), nil
}

// demuxLogStream strips the engine's stream-frame headers. Raw (TTY) output
// passes through unchanged.
func demuxLogStream(raw []byte) []byte {
	if len(raw) == 0 || raw[0] > 2 {
		return raw
	}
	var out bytes.Buffer
	for len(raw) >= 8 {
		size := binary.BigEndian.Uint32(raw[4:8])
		raw = raw[8:]
		if uint32(len(raw)) < size {
			out.Write(raw)
			break
		}
		out.Write(raw[:size])
		raw = raw[size:]
	}
	return out.Bytes()
}

// IsNotFound reports whether err indicates a missing container or image.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
