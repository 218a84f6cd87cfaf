package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ucloud/orderwise-agent/internal/models"
)

// HTTPClient talks to the decision service over its JSON step endpoint.
type HTTPClient struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, model, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type stepRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	Screen   string           `json:"screen,omitempty"`
}

type stepResponse struct {
	Thinking      string `json:"thinking"`
	Action        string `json:"action"`
	Message       string `json:"message"`
	Finished      bool   `json:"finished"`
	NeedsTakeover bool   `json:"needs_takeover"`
}

func (c *HTTPClient) Step(ctx context.Context, sc StepContext) (Outcome, error) {
	body, err := json.Marshal(stepRequest{
		Model:    c.model,
		Messages: sc.History,
		Screen:   sc.Screen,
	})
	if err != nil {
		return Outcome{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/step", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("decision service returned %s", resp.Status)
	}

	var sr stepResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Outcome{}, fmt.Errorf("decode decision response: %w", err)
	}

	out := Outcome{Thinking: sr.Thinking, Message: sr.Message, Action: sr.Action}
	switch {
	case sr.NeedsTakeover:
		out.Kind = OutcomeNeedsTakeover
	case sr.Finished:
		out.Kind = OutcomeTerminal
	case sr.Action != "":
		out.Kind = OutcomeAction
	default:
		return Outcome{}, fmt.Errorf("decision response carries neither action nor terminal state")
	}
	return out, nil
}
