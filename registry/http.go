package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arloliu/devicesim/internal/httpx"
	"github.com/arloliu/devicesim/model"
)

// HTTPConfig configures the HTTP registry client.
type HTTPConfig struct {
	// BaseURL is the registry REST root, e.g. "https://registry.local/api".
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Secret derives the keys of bulk-created devices.
	Secret   string
	HostName string
	Timeout  time.Duration
}

// HTTP is a Registry backed by a REST device registry:
//
//	GET    {base}/devices/{id}
//	PUT    {base}/devices/{id}
//	DELETE {base}/devices/{id}
//	PATCH  {base}/devices/{id}/tags
//	POST   {base}/devices:bulk        {"create":[ids]} | {"delete":[ids]}
type HTTP struct {
	cfg    HTTPConfig
	base   *url.URL
	client *http.Client
}

// NewHTTP creates the client. Requests are traced through the global
// OpenTelemetry providers unless client options say otherwise.
func NewHTTP(cfg HTTPConfig, opts ...httpx.ClientOption) (*HTTP, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid registry url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	clientOpts := append([]httpx.ClientOption{
		httpx.WithTimeout(cfg.Timeout),
		httpx.WithMaxIdleConnsPerHost(64),
	}, opts...)

	return &HTTP{cfg: cfg, base: base, client: httpx.NewClient(clientOpts...)}, nil
}

var (
	_ Registry    = (*HTTP)(nil)
	_ BulkCreator = (*HTTP)(nil)
)

type deviceBody struct {
	ID             string            `json:"id"`
	ETag           string            `json:"etag,omitempty"`
	AuthPrimaryKey string            `json:"authPrimaryKey,omitempty"`
	Enabled        bool              `json:"enabled"`
	Tags           map[string]string `json:"tags,omitempty"`
}

func (h *HTTP) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	var body deviceBody
	if err := h.do(ctx, http.MethodGet, h.devicePath(deviceID), nil, &body); err != nil {
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}

	return h.toDevice(body), nil
}

func (h *HTTP) Create(ctx context.Context, deviceID string) (*model.Device, error) {
	req := deviceBody{ID: deviceID, AuthPrimaryKey: DeriveKey(h.cfg.Secret, deviceID), Enabled: true}

	var body deviceBody
	if err := h.do(ctx, http.MethodPut, h.devicePath(deviceID), req, &body); err != nil {
		return nil, fmt.Errorf("create device %s: %w", deviceID, err)
	}
	if body.ID == "" {
		body = req
	}

	return h.toDevice(body), nil
}

func (h *HTTP) Delete(ctx context.Context, deviceID string) error {
	if err := h.do(ctx, http.MethodDelete, h.devicePath(deviceID), nil, nil); err != nil {
		return fmt.Errorf("delete device %s: %w", deviceID, err)
	}

	return nil
}

func (h *HTTP) AddTag(ctx context.Context, deviceID string, tags map[string]string) error {
	if err := h.do(ctx, http.MethodPatch, h.devicePath(deviceID)+"/tags", tags, nil); err != nil {
		return fmt.Errorf("tag device %s: %w", deviceID, err)
	}

	return nil
}

func (h *HTTP) BuildDevice(deviceID string) *model.Device {
	return &model.Device{
		ID:             deviceID,
		AuthPrimaryKey: DeriveKey(h.cfg.Secret, deviceID),
		HostName:       h.cfg.HostName,
		Enabled:        true,
	}
}

func (h *HTTP) CreateList(ctx context.Context, deviceIDs []string) error {
	return h.do(ctx, http.MethodPost, "/devices:bulk", map[string][]string{"create": deviceIDs}, nil)
}

func (h *HTTP) DeleteList(ctx context.Context, deviceIDs []string) error {
	return h.do(ctx, http.MethodPost, "/devices:bulk", map[string][]string{"delete": deviceIDs}, nil)
}

func (h *HTTP) devicePath(deviceID string) string {
	return "/devices/" + url.PathEscape(deviceID)
}

func (h *HTTP) toDevice(b deviceBody) *model.Device {
	d := h.BuildDevice(b.ID)
	d.ETag = b.ETag
	d.Enabled = b.Enabled
	if b.AuthPrimaryKey != "" {
		d.AuthPrimaryKey = b.AuthPrimaryKey
	}
	d.Twin.Tags = b.Tags

	return d
}

// do sends a JSON request. 404 maps to model.ErrNotFound, any other failure
// to model.ErrExternalDependency.
func (h *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrExternalDependency, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrExternalDependency, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", model.ErrExternalDependency, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%w: decode response: %w", model.ErrExternalDependency, err)
	}

	return nil
}
