package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"callflow/pkg/logger"
	"callflow/pkg/model"
	"callflow/pkg/resilience"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const maxRetries = 2

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Client runs AI analysis over a call transcript. Requests are gated by
// the shared rate limiter; a circuit breaker skips calls while the API
// is known to be down instead of burning the retry budget.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
	client  *http.Client
}

func NewClient(apiKey, baseURL, modelName string, limiter *resilience.RateLimiter) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   modelName,
		limiter: limiter,
		breaker: resilience.NewCircuitBreaker(5, 30*time.Second),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Analyze sends the transcript for analysis and returns the structured
// result. Transient failures are retried with exponential backoff.
func (c *Client) Analyze(ctx context.Context, transcript string) (model.JSONB, error) {
	var result model.JSONB

	operation := func() error {
		return c.breaker.Execute(func() error {
			res, err := c.analyzeOnce(ctx, transcript)
			if err != nil {
				if !resilience.IsTransient(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			result = res
			return nil
		})
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) analyzeOnce(ctx context.Context, transcript string) (model.JSONB, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: analysisPrompt},
			{Role: "user", Content: transcript},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.Transient(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		reqErr := fmt.Errorf("analysis request failed: status=%d, body=%s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.Transient(reqErr)
		}
		return nil, reqErr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("analysis returned no choices")
	}

	var result model.JSONB
	if err := json.Unmarshal([]byte(chatResp.Choices[0].Message.Content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse analysis content: %w", err)
	}

	logger.Debug("Analysis completed", zap.Int("fields", len(result)))

	return result, nil
}
