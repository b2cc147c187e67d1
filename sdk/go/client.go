package configlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal configline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// PollInterval paces WaitForRevision.
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		BasePath:     "/v1",
		Timeout:      10 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// KeyAction sets or deletes one key of a layer or structure.
type KeyAction struct {
	Key         string `json:"key"`
	Value       string `json:"value,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Action      string `json:"action"`
}

// VariableAction sets or deletes one structure variable.
type VariableAction struct {
	Name   string `json:"name"`
	Value  string `json:"value,omitempty"`
	Action string `json:"action"`
}

func Set(key, value string) KeyAction { return KeyAction{Key: key, Value: value, Action: "set"} }
func Delete(key string) KeyAction     { return KeyAction{Key: key, Action: "delete"} }

type LayerKey struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Layer represents the API layer model (partial).
type Layer struct {
	ID struct {
		Name string `json:"name"`
	} `json:"id"`
	Keys    map[string]LayerKey `json:"keys"`
	JSON    json.RawMessage     `json:"json"`
	Version uint64              `json:"version"`
}

// Environment represents the API environment model (partial).
type Environment struct {
	ID struct {
		Category string `json:"category"`
		Name     string `json:"name"`
	} `json:"id"`
	Layers []struct {
		Name string `json:"name"`
	} `json:"layers"`
	ResolvedKeys map[string]LayerKey `json:"resolved_keys"`
	JSON         json.RawMessage     `json:"json"`
	Version      uint64              `json:"version"`
}

// Structure represents the API structure model.
type Structure struct {
	ID struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	} `json:"id"`
	Keys      map[string]string `json:"keys"`
	Variables map[string]string `json:"variables"`
	Version   uint64            `json:"version"`
}

// Configuration is a compiled structure for one environment.
type Configuration struct {
	CompiledKeys        map[string]string `json:"compiled_keys"`
	CompiledJSON        json.RawMessage   `json:"compiled_json"`
	UsedEnvironmentKeys []string          `json:"used_environment_keys"`
	ValidFrom           *time.Time        `json:"valid_from,omitempty"`
	ValidTo             *time.Time        `json:"valid_to,omitempty"`
	CompileError        string            `json:"compile_error,omitempty"`
	Version             uint64            `json:"version"`
}

// BuildRequest names the environment and structure to compile.
type BuildRequest struct {
	Category         string     `json:"category"`
	Name             string     `json:"name"`
	Structure        string     `json:"structure"`
	StructureVersion int        `json:"structure_version"`
	ValidFrom        *time.Time `json:"valid_from,omitempty"`
	ValidTo          *time.Time `json:"valid_to,omitempty"`
}

// ProjectionStatus reports how far reads lag behind the log.
type ProjectionStatus struct {
	State     string `json:"state"`
	Watermark uint64 `json:"watermark"`
	Head      uint64 `json:"head"`
	Lag       uint64 `json:"lag"`
	Ready     bool   `json:"ready"`
	LastError string `json:"last_error,omitempty"`
}

type revision struct {
	Revision uint64 `json:"revision"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateLayer appends a layer.created event and returns its revision.
func (c *Client) CreateLayer(ctx context.Context, name string) (uint64, error) {
	return c.write(ctx, http.MethodPost, "layers", map[string]any{"name": name})
}

func (c *Client) DeleteLayer(ctx context.Context, name string) (uint64, error) {
	return c.write(ctx, http.MethodDelete, "layers/"+url.PathEscape(name), nil)
}

func (c *Client) ModifyLayerKeys(ctx context.Context, name string, actions ...KeyAction) (uint64, error) {
	return c.write(ctx, http.MethodPatch, fmt.Sprintf("layers/%s/keys", url.PathEscape(name)), map[string]any{"actions": actions})
}

func (c *Client) Layer(ctx context.Context, name string) (Layer, error) {
	var resp Layer
	err := c.do(ctx, http.MethodGet, "layers/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

func (c *Client) CreateEnvironment(ctx context.Context, category, name string) (uint64, error) {
	return c.write(ctx, http.MethodPost, "environments", map[string]any{"category": category, "name": name})
}

func (c *Client) DeleteEnvironment(ctx context.Context, category, name string) (uint64, error) {
	return c.write(ctx, http.MethodDelete, envPath(category, name), nil)
}

// AssignLayers replaces the environment's layer stack. Later layers win.
func (c *Client) AssignLayers(ctx context.Context, category, name string, layers ...string) (uint64, error) {
	if layers == nil {
		layers = []string{}
	}
	return c.write(ctx, http.MethodPut, envPath(category, name)+"/layers", map[string]any{"layers": layers})
}

func (c *Client) Environment(ctx context.Context, category, name string) (Environment, error) {
	var resp Environment
	err := c.do(ctx, http.MethodGet, envPath(category, name), nil, &resp)
	return resp, err
}

func (c *Client) CreateStructure(ctx context.Context, name string, version int, keys, variables map[string]string) (uint64, error) {
	body := map[string]any{
		"name":      name,
		"version":   version,
		"keys":      keys,
		"variables": variables,
	}
	return c.write(ctx, http.MethodPost, "structures", body)
}

func (c *Client) DeleteStructure(ctx context.Context, name string, version int) (uint64, error) {
	return c.write(ctx, http.MethodDelete, structurePath(name, version), nil)
}

func (c *Client) ModifyStructureKeys(ctx context.Context, name string, version int, actions ...KeyAction) (uint64, error) {
	return c.write(ctx, http.MethodPatch, structurePath(name, version)+"/keys", map[string]any{"actions": actions})
}

func (c *Client) ModifyStructureVariables(ctx context.Context, name string, version int, actions ...VariableAction) (uint64, error) {
	return c.write(ctx, http.MethodPatch, structurePath(name, version)+"/variables", map[string]any{"actions": actions})
}

func (c *Client) Structure(ctx context.Context, name string, version int) (Structure, error) {
	var resp Structure
	err := c.do(ctx, http.MethodGet, structurePath(name, version), nil, &resp)
	return resp, err
}

// BuildConfiguration appends a configuration.built event. The compiled
// result is readable once the projection reaches the returned revision.
func (c *Client) BuildConfiguration(ctx context.Context, req BuildRequest) (uint64, error) {
	return c.write(ctx, http.MethodPost, "configurations", req)
}

func (c *Client) Configuration(ctx context.Context, category, name, structure string, version int) (Configuration, error) {
	var resp Configuration
	endpoint := fmt.Sprintf("configurations/%s/%s/%s/%d",
		url.PathEscape(category), url.PathEscape(name), url.PathEscape(structure), version)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Projection(ctx context.Context) (ProjectionStatus, error) {
	var resp ProjectionStatus
	err := c.do(ctx, http.MethodGet, "projection", nil, &resp)
	return resp, err
}

// WaitForRevision polls the projection until its watermark reaches rev.
func (c *Client) WaitForRevision(ctx context.Context, rev uint64) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		st, err := c.Projection(ctx)
		if err != nil {
			return err
		}
		if st.Watermark >= rev {
			return nil
		}
		if st.State == "halted" {
			return fmt.Errorf("projection halted at %d: %s", st.Watermark, st.LastError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) write(ctx context.Context, method, endpoint string, body any) (uint64, error) {
	var resp revision
	err := c.do(ctx, method, endpoint, body, &resp)
	return resp.Revision, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

func envPath(category, name string) string {
	return fmt.Sprintf("environments/%s/%s", url.PathEscape(category), url.PathEscape(name))
}

func structurePath(name string, version int) string {
	return fmt.Sprintf("structures/%s/%d", url.PathEscape(name), version)
}
