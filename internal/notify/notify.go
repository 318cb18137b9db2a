package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dr-orchestrator/internal/logging"
)

// Severity classifies notification events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Event is a single notification delivered to external channels.
type Event struct {
	Severity      Severity  `json:"severity"`
	Component     string    `json:"component"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Gateway is the interface the core uses to deliver job and recovery
// outcomes. Channel fan-out is the collaborator's responsibility.
type Gateway interface {
	Notify(ctx context.Context, event Event) error
}

// Channel is a single delivery mechanism (email, webhook, file).
type Channel interface {
	Send(ctx context.Context, event Event) error
	Type() string
}

// Config holds notification gateway configuration
type Config struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity Severity       `mapstructure:"min_severity"`
	Cooldown    time.Duration  `mapstructure:"cooldown"`
	Email       *EmailConfig   `mapstructure:"email"`
	Webhook     *WebhookConfig `mapstructure:"webhook"`
	File        *FileConfig    `mapstructure:"file"`
}

// Manager fans events out to all configured channels with severity
// filtering and a per-(component, severity) cooldown to prevent spam.
type Manager struct {
	logger   *logging.Logger
	config   Config
	channels []Channel

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewManager creates a new notification manager
func NewManager(logger *logging.Logger, config Config) *Manager {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	m := &Manager{
		logger:   logger,
		config:   config,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}

	if config.Email != nil {
		m.channels = append(m.channels, newEmailChannel(*config.Email))
	}
	if config.Webhook != nil {
		m.channels = append(m.channels, newWebhookChannel(*config.Webhook))
	}
	if config.File != nil {
		m.channels = append(m.channels, newFileChannel(*config.File))
	}

	return m
}

// Notify delivers an event through all configured channels. Filtered or
// rate-limited events are dropped silently; delivery is best effort and
// only fails when every channel fails.
func (m *Manager) Notify(ctx context.Context, event Event) error {
	if !m.config.Enabled {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}

	if !m.shouldNotify(event) {
		m.logger.WithFields(map[string]interface{}{
			"severity":  string(event.Severity),
			"component": event.Component,
		}).Debug("Notification filtered out")
		return nil
	}

	if !m.checkCooldown(event) {
		m.logger.WithFields(map[string]interface{}{
			"severity":  string(event.Severity),
			"component": event.Component,
		}).Warn("Notification cooldown active, skipping")
		return nil
	}

	var errors []string
	successCount := 0

	for _, channel := range m.channels {
		if err := channel.Send(ctx, event); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %v", channel.Type(), err))
			m.logger.WithFields(map[string]interface{}{
				"channel":        channel.Type(),
				"correlation_id": event.CorrelationID,
				"error":          err.Error(),
			}).Error("Failed to send notification")
		} else {
			successCount++
			m.logger.WithFields(map[string]interface{}{
				"channel":        channel.Type(),
				"correlation_id": event.CorrelationID,
				"severity":       string(event.Severity),
			}).Debug("Notification sent")
		}
	}

	if len(errors) > 0 && successCount == 0 && len(m.channels) > 0 {
		return fmt.Errorf("all notification channels failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (m *Manager) shouldNotify(event Event) bool {
	min := m.config.MinSeverity
	if min == "" {
		min = SeverityInfo
	}
	return severityRank[event.Severity] >= severityRank[min]
}

func (m *Manager) checkCooldown(event Event) bool {
	if m.config.Cooldown <= 0 {
		return true
	}

	// Critical events always go through.
	if event.Severity == SeverityCritical {
		return true
	}

	key := event.Component + "|" + string(event.Severity)

	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.lastSent[key]; ok && m.now().Sub(last) < m.config.Cooldown {
		return false
	}
	m.lastSent[key] = m.now()
	return true
}

// Discard is a Gateway that drops all events. Useful in tests and when
// notifications are disabled entirely.
type Discard struct{}

// Notify implements Gateway
func (Discard) Notify(ctx context.Context, event Event) error { return nil }
