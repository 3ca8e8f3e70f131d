package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type sendResponse struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// HTTPClient delivers mail through an HTTP mail-provider API. Failures are
// returned to the caller; durability is the outbox worker's job, not the
// client's.
type HTTPClient struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
	logger  *logrus.Logger
}

// NewHTTPClient creates a mail client for the given provider endpoint.
func NewHTTPClient(baseURL, apiKey, from string, httpClient *http.Client) *HTTPClient {
	return NewHTTPClientWithLogger(baseURL, apiKey, from, httpClient, nil)
}

// NewHTTPClientWithLogger creates a mail client with a custom logger.
func NewHTTPClientWithLogger(baseURL, apiKey, from string, httpClient *http.Client, logger *logrus.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		from:    from,
		client:  httpClient,
		logger:  logger,
	}
}

// SendEmail posts one message to the provider's send endpoint.
func (c *HTTPClient) SendEmail(ctx context.Context, to, subject, text string) error {
	payload := sendRequest{
		From:    c.from,
		To:      to,
		Subject: subject,
		Text:    text,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/send", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		var apiErr sendResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("mail API returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("mail API returned status %d", resp.StatusCode)
	}

	c.logger.WithFields(logrus.Fields{
		"subject": subject,
	}).Debug("Mail accepted by provider")

	return nil
}

// LogMailer is the development fallback when no provider is configured: it
// logs the message and reports success so queues still drain.
type LogMailer struct {
	logger *logrus.Logger
}

func NewLogMailer(logger *logrus.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendEmail(ctx context.Context, to, subject, text string) error {
	m.logger.WithFields(logrus.Fields{
		"to":      to,
		"subject": subject,
		"body":    text,
	}).Info("Mock email delivery (no mail provider configured)")
	return nil
}
