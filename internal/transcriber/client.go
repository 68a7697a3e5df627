package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"callflow/pkg/logger"
	"callflow/pkg/resilience"

	"go.uber.org/zap"
)

const (
	OperationPoll = 5 * time.Second
	MaxWaitTime   = 30 * time.Minute
)

// Client talks to an async speech-to-text API: one call starts a
// long-running recognition operation, a second endpoint is polled until
// the operation completes. Every outbound request passes through the
// shared rate limiter first.
type Client struct {
	apiKey  string
	baseURL string
	limiter *resilience.RateLimiter
	client  *http.Client
}

// NewClient constructs a transcription client gated by the given limiter
func NewClient(apiKey, baseURL string, limiter *resilience.RateLimiter) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		limiter: limiter,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// StartRecognition submits the audio URL and returns the operation id
func (c *Client) StartRecognition(ctx context.Context, audioURL string) (string, error) {
	reqBody := RecognitionRequest{
		Config: RecognitionConfig{
			LanguageCode:      "en-US",
			Model:             "general",
			AudioEncoding:     "MP3",
			SampleRateHertz:   8000,
			AudioChannelCount: 2,
		},
		Audio: AudioSource{
			URI: audioURL,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	logger.Debug("Starting speech recognition", zap.String("audio_url", audioURL))

	respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/recognize", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var opResp OperationResponse
	if err := json.Unmarshal(respBody, &opResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	logger.Info("Recognition started", zap.String("operation_id", opResp.ID))

	return opResp.ID, nil
}

// WaitForResult polls the operation until done and returns the result
func (c *Client) WaitForResult(ctx context.Context, operationID string) (*RecognitionResult, error) {
	url := fmt.Sprintf("%s/operations/%s", c.baseURL, operationID)
	startTime := time.Now()

	for {
		if time.Since(startTime) > MaxWaitTime {
			return nil, fmt.Errorf("recognition timeout exceeded")
		}

		respBody, err := c.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		var opResp OperationResponse
		if err := json.Unmarshal(respBody, &opResp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}

		if opResp.Done {
			if opResp.Error != nil {
				return nil, fmt.Errorf("recognition failed: %s (code: %d)", opResp.Error.Message, opResp.Error.Code)
			}

			var result RecognitionResult
			if opResp.Response != nil {
				responseBytes, err := json.Marshal(opResp.Response)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal response: %w", err)
				}

				if err := json.Unmarshal(responseBytes, &result); err != nil {
					return nil, fmt.Errorf("failed to unmarshal result: %w", err)
				}
			}

			logger.Info("Recognition completed",
				zap.String("operation_id", operationID),
				zap.Int("chunks", len(result.Chunks)))

			return &result, nil
		}

		logger.Debug("Recognition in progress",
			zap.String("operation_id", operationID),
			zap.Duration("elapsed", time.Since(startTime)))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(OperationPoll):
		}
	}
}

// do issues one rate-limited request and classifies failures: network
// errors, 5xx and 429 are transient, other non-200 statuses are not.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Api-Key %s", c.apiKey))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

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
		reqErr := fmt.Errorf("request failed: status=%d, body=%s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.Transient(reqErr)
		}
		return nil, reqErr
	}

	return respBody, nil
}
