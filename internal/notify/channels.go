package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EmailConfig for SMTP notifications
type EmailConfig struct {
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	Subject  string   `mapstructure:"subject"`
}

// WebhookConfig for generic webhook notifications (chat/paging bridges)
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// FileConfig for file-based notifications
type FileConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"` // json, yaml
}

// emailChannel delivers events over SMTP
type emailChannel struct {
	config EmailConfig
}

func newEmailChannel(config EmailConfig) *emailChannel {
	return &emailChannel{config: config}
}

func (c *emailChannel) Type() string { return "email" }

func (c *emailChannel) Send(ctx context.Context, event Event) error {
	subject := c.config.Subject
	if subject == "" {
		subject = fmt.Sprintf("[%s] %s", strings.ToUpper(string(event.Severity)), event.Component)
	}

	body := fmt.Sprintf(
		"Severity: %s\r\nComponent: %s\r\nCorrelation ID: %s\r\nTime: %s\r\n\r\n%s\r\n",
		event.Severity, event.Component, event.CorrelationID,
		event.Timestamp.Format(time.RFC3339), event.Message,
	)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		c.config.From, strings.Join(c.config.To, ", "), subject, body)

	addr := fmt.Sprintf("%s:%d", c.config.SMTPHost, c.config.SMTPPort)

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, c.config.From, c.config.To, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// webhookChannel delivers events as JSON POSTs
type webhookChannel struct {
	config WebhookConfig
	client *http.Client
}

func newWebhookChannel(config WebhookConfig) *webhookChannel {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhookChannel{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *webhookChannel) Type() string { return "webhook" }

func (c *webhookChannel) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	method := c.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// fileChannel appends events to a local file, one document per event
type fileChannel struct {
	config FileConfig
}

func newFileChannel(config FileConfig) *fileChannel {
	return &fileChannel{config: config}
}

func (c *fileChannel) Type() string { return "file" }

func (c *fileChannel) Send(ctx context.Context, event Event) error {
	var data []byte
	var err error

	switch c.config.Format {
	case "yaml":
		data, err = yaml.Marshal(event)
		if err == nil {
			data = append([]byte("---\n"), data...)
		}
	default:
		data, err = json.Marshal(event)
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	f, err := os.OpenFile(c.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}
