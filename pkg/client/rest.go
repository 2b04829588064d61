package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// RESTSaver talks to the durable document endpoints of the server.
type RESTSaver struct {
	baseURL *url.URL
	token   string
	client  *http.Client
}

// NewRESTSaver returns a saver for the server at baseURL, for example http://127.0.0.1:3001.
func NewRESTSaver(baseURL string, token string) (*RESTSaver, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	return &RESTSaver{baseURL: u, token: token, client: http.DefaultClient}, nil
}

func (r *RESTSaver) newRequest(ctx context.Context, method string, id string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL.JoinPath("documents", id).String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return req, nil
}

// Save stores document durably as the whole content of id.
func (r *RESTSaver) Save(ctx context.Context, id string, document json.RawMessage) error {
	req, err := r.newRequest(ctx, http.MethodPut, id, bytes.NewReader(document))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Load returns the current copy of id. ok is false when the server has never seen it.
func (r *RESTSaver) Load(ctx context.Context, id string) (json.RawMessage, bool, error) {
	req, err := r.newRequest(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Document json.RawMessage `json:"document"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, false, fmt.Errorf("failed to read body from get: %w", err)
		}
		return body.Document, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}
