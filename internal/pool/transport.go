package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTransport reaches slot agents over their HTTP control endpoint:
// GET /healthz for liveness, POST /exec for input execution. Connect is a
// health probe; the agents hold no connection state.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) Connect(ctx context.Context, addr string) error {
	return t.Ping(ctx, addr)
}

func (t *HTTPTransport) Ping(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slot %s health check returned %s", addr, resp.Status)
	}
	return nil
}

func (t *HTTPTransport) Exec(ctx context.Context, addr, input string) (string, error) {
	body, err := json.Marshal(map[string]string{"input": input})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/exec", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("slot %s exec returned %s", addr, resp.Status)
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
