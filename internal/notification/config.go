// Package notification delivers job lifecycle emails to tenant contacts.
// It is the single component responsible for loading SMTP configuration and
// sending transactional/marketing email; webhook delivery to tenant-configured
// URLs is a distinct concern handled by internal/webhook (it needs its own
// delivery ledger, retry schedule, and per-tenant circuit breaker).
package notification

import (
	"context"
	"fmt"
	"strconv"

	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// Setting keys under which the platform-wide SMTP configuration is stored.
// Namespaced to avoid collisions with future config namespaces.
const (
	KeySMTPHost     = "smtp.host"
	KeySMTPPort     = "smtp.port"
	KeySMTPUsername = "smtp.username"
	KeySMTPPassword = "smtp.password" // stored encrypted via EncryptedString
	KeySMTPFrom     = "smtp.from"
	KeySMTPTLS      = "smtp.tls" // "true" or "false"
)

// SMTPConfig holds the configuration needed to send emails via SMTP.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string // decrypted at load time by EncryptedString.Scan
	From     string
	TLS      bool
}

// loadSMTPConfig reads all "smtp.*" settings from the repository and assembles
// an SMTPConfig. Returns ErrConfigNotFound if no SMTP settings exist at all,
// ErrInvalidConfig if required fields are missing or malformed.
func loadSMTPConfig(ctx context.Context, repo repositories.SettingsRepository) (*SMTPConfig, error) {
	settings, err := repo.GetMany(ctx, "smtp.")
	if err != nil {
		return nil, fmt.Errorf("notification: failed to load smtp settings: %w", err)
	}
	if len(settings) == 0 {
		return nil, ErrConfigNotFound
	}

	idx := settingsIndex(settings)

	host := idx[KeySMTPHost]
	if host == "" {
		return nil, fmt.Errorf("%w: smtp.host is required", ErrInvalidConfig)
	}

	portStr := idx[KeySMTPPort]
	if portStr == "" {
		return nil, fmt.Errorf("%w: smtp.port is required", ErrInvalidConfig)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: smtp.port must be a valid port number", ErrInvalidConfig)
	}

	from := idx[KeySMTPFrom]
	if from == "" {
		return nil, fmt.Errorf("%w: smtp.from is required", ErrInvalidConfig)
	}

	return &SMTPConfig{
		Host:     host,
		Port:     port,
		Username: idx[KeySMTPUsername],
		Password: idx[KeySMTPPassword],
		From:     from,
		TLS:      idx[KeySMTPTLS] == "true",
	}, nil
}

// settingsIndex converts a slice of Setting into a map[key]value for O(1)
// lookup. Converting Value with string() yields the decrypted plaintext —
// decryption already happened when GORM scanned the row.
func settingsIndex(settings []db.Setting) map[string]string {
	idx := make(map[string]string, len(settings))
	for _, s := range settings {
		idx[s.Key] = string(s.Value)
	}
	return idx
}
