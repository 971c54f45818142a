package channels

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mr-karan/pulse/pkg/models"
)

// WebhookOptions tunes the HTTP client shared by webhook-style capabilities.
type WebhookOptions struct {
	Timeout       time.Duration
	SkipTLSVerify bool
	Logger        *slog.Logger
}

func newWebhookClient(opts WebhookOptions) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.SkipTLSVerify}, // #nosec G402
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func endpointURL(details map[string]any) (string, error) {
	raw, _ := details["url"].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("webhook url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("webhook url %q is not a valid http(s) URL", raw)
	}
	return raw, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	responseBody, readErr := io.ReadAll(response.Body)
	_ = response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		trimmed := ""
		if readErr == nil {
			trimmed = strings.TrimSpace(string(responseBody))
		}
		if trimmed == "" {
			trimmed = response.Status
		}
		return fmt.Errorf("status %d (%s)", response.StatusCode, trimmed)
	}
	return nil
}

// HTTPWebhookCapability posts the full payload document to a configured endpoint.
type HTTPWebhookCapability struct {
	client *http.Client
	logger *slog.Logger
}

func NewHTTPWebhookCapability(opts WebhookOptions) *HTTPWebhookCapability {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPWebhookCapability{
		client: newWebhookClient(opts),
		logger: logger.With("component", "http_webhook_channel"),
	}
}

func (c *HTTPWebhookCapability) Type() models.ChannelType { return models.ChannelTypeHTTPWebhook }

func (c *HTTPWebhookCapability) RecipientAddressed() bool { return false }

func (c *HTTPWebhookCapability) Validate(details map[string]any) error {
	_, err := endpointURL(details)
	return err
}

func (c *HTTPWebhookCapability) Send(ctx context.Context, target Target, payload Payload) []DeliveryResult {
	endpoint, err := endpointURL(target.Details)
	if err != nil {
		return []DeliveryResult{failure("http-webhook", err)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return []DeliveryResult{failure(endpoint, fmt.Errorf("failed to marshal webhook payload: %w", err))}
	}
	if err := postJSON(ctx, c.client, endpoint, body); err != nil {
		return []DeliveryResult{failure(endpoint, err)}
	}
	return []DeliveryResult{success(endpoint)}
}

// ChatWebhookCapability posts a compact text message to a chat webhook
// (Slack-compatible incoming webhook shape).
type ChatWebhookCapability struct {
	client *http.Client
	logger *slog.Logger
}

func NewChatWebhookCapability(opts WebhookOptions) *ChatWebhookCapability {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatWebhookCapability{
		client: newWebhookClient(opts),
		logger: logger.With("component", "chat_webhook_channel"),
	}
}

func (c *ChatWebhookCapability) Type() models.ChannelType { return models.ChannelTypeChatWebhook }

func (c *ChatWebhookCapability) RecipientAddressed() bool { return false }

func (c *ChatWebhookCapability) Validate(details map[string]any) error {
	_, err := endpointURL(details)
	return err
}

func (c *ChatWebhookCapability) Send(ctx context.Context, target Target, payload Payload) []DeliveryResult {
	endpoint, err := endpointURL(target.Details)
	if err != nil {
		return []DeliveryResult{failure("chat-webhook", err)}
	}
	text := payload.Subject
	if payload.Summary != "" {
		text += "\n" + payload.Summary
	}
	if payload.Link != "" {
		text += "\n" + payload.Link
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return []DeliveryResult{failure(endpoint, fmt.Errorf("failed to marshal chat payload: %w", err))}
	}
	if err := postJSON(ctx, c.client, endpoint, body); err != nil {
		return []DeliveryResult{failure(endpoint, err)}
	}
	return []DeliveryResult{success(endpoint)}
}
