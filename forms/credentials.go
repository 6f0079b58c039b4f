package forms

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gforms-notifier/pkg/formwatch"
)

// requiredKeyFields are the fields a service-account key must carry.
var requiredKeyFields = []string{
	"type",
	"project_id",
	"private_key_id",
	"private_key",
	"client_email",
	"client_id",
	"auth_uri",
	"token_uri",
	"auth_provider_x509_cert_url",
	"client_x509_cert_url",
	"universe_domain",
}

// ErrAlreadySetUp is returned when saving over an existing key.
var ErrAlreadySetUp = errors.New("credentials already configured")

// Credentials stores the service-account key used to sign API requests.
// An inline key takes precedence over the file.
type Credentials struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	inline []byte
}

// NewCredentials creates a provider backed by path, optionally seeded with an inline key.
func NewCredentials(path string, inline []byte, logger *slog.Logger) *Credentials {
	return &Credentials{path: path, inline: inline, logger: logger}
}

// Load returns the key, or a NotSetUp error when none is configured.
func (c *Credentials) Load() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inline) > 0 {
		return c.inline, nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, formwatch.NewError(formwatch.KindNotSetUp, errors.New("no service account key configured"))
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return data, nil
}

// Configured reports whether a key is available.
func (c *Credentials) Configured() bool {
	_, err := c.Load()
	return err == nil
}

// Save validates and stores a key. It refuses to replace an existing one.
func (c *Credentials) Save(key []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if c.Configured() {
		return ErrAlreadySetUp
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credentials directory: %w", err)
		}
	}
	if err := os.WriteFile(c.path, key, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	c.logger.Info("Service account key saved", "path", c.path)
	return nil
}

// Clear removes the stored key.
func (c *Credentials) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inline = nil
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	c.logger.Warn("Service account key cleared", "path", c.path)
	return nil
}

// ValidateKey checks that key is a service-account JSON with every required field.
func ValidateKey(key []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(key, &fields); err != nil {
		return fmt.Errorf("parse service account key: %w", err)
	}
	var missing []string
	for _, f := range requiredKeyFields {
		v, ok := fields[f].(string)
		if !ok || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("service account key missing fields: %v", missing)
	}
	if fields["type"] != "service_account" {
		return fmt.Errorf("key type %q is not service_account", fields["type"])
	}
	return nil
}
