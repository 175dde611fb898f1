package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"buildhook/pkg/api"
)

// BuildClient handles API calls to the buildhook server.
type BuildClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewBuildClient creates a new client with the given base URL and token.
func NewBuildClient(baseURL, token string) *BuildClient {
	return &BuildClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API. Build endpoints
// answer with a BuildResponse even on failure; it is kept in Build when the
// body decodes.
type APIError struct {
	StatusCode int
	Message    string
	Build      *api.BuildResponse
}

func (e *APIError) Error() string {
	if e.Build != nil {
		return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Build.Status, e.Build.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends a request and decodes a 200 response into out.
func (c *BuildClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(respBody))}
		var br api.BuildResponse
		if json.Unmarshal(respBody, &br) == nil && br.Status != "" {
			apiErr.Build = &br
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Submit sends POST /build with the flat payload.
func (c *BuildClient) Submit(payload map[string]string) (*api.BuildResponse, error) {
	var result api.BuildResponse
	if err := c.do(http.MethodPost, "/build", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Abort sends POST /abort naming the build by keyName=value.
func (c *BuildClient) Abort(keyName, value string) (*api.BuildResponse, error) {
	var result api.BuildResponse
	if err := c.do(http.MethodPost, "/abort", map[string]string{keyName: value}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AbortAll sends POST /abort-all.
func (c *BuildClient) AbortAll() (*api.BuildResponse, error) {
	var result api.BuildResponse
	if err := c.do(http.MethodPost, "/abort-all", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PendingUpdate sends GET /pending-update. The server clears its failed
// history once it has been read.
func (c *BuildClient) PendingUpdate() (*api.PendingUpdateResponse, error) {
	var result api.PendingUpdateResponse
	if err := c.do(http.MethodGet, "/pending-update", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status sends GET /status.
func (c *BuildClient) Status() (*api.StatusResponse, error) {
	var result api.StatusResponse
	if err := c.do(http.MethodGet, "/status", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListBuilds sends GET /builds to read the build archive.
func (c *BuildClient) ListBuilds(limit int, uniqueID string) ([]api.BuildRecord, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if uniqueID != "" {
		q.Set("unique_id", uniqueID)
	}
	path := "/builds"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result api.ListBuildsResponse
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Builds, nil
}

// SetProjectToken sends PUT /project-token.
func (c *BuildClient) SetProjectToken(token string) (*api.BuildResponse, error) {
	var result api.BuildResponse
	if err := c.do(http.MethodPut, "/project-token", api.ProjectTokenRequest{ProjectToken: token}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// printAPIError prints err the way every command reports failures.
func printAPIError(printf func(string, ...any), action string, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Build != nil {
			printf("%s failed (%d): %s [%s]\n", action, apiErr.StatusCode, apiErr.Build.Message, apiErr.Build.Status)
			return
		}
		printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	printf("%s failed: %v\n", action, err)
}
