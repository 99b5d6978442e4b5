package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFolder is watched when an account lists no folders
const DefaultFolder = "INBOX"

// Account is one mailbox account from the accounts file
type Account struct {
	Name         string        `yaml:"name"`
	Email        string        `yaml:"email"`
	Password     string        `yaml:"password"`
	Server       string        `yaml:"server"` // host:port, resolved from the email domain when empty
	Folders      []string      `yaml:"folders"`
	ChatID       int64         `yaml:"chat_id"`  // Telegram chat receiving forwarded mail
	TopicID      int           `yaml:"topic_id"` // Telegram topic (message_thread_id)
	PollInterval time.Duration `yaml:"poll_interval"`
	DisableIdle  bool          `yaml:"disable_idle"`
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// Validate checks required fields
func (a *Account) Validate() error {
	if a.Name == "" {
		return errors.New("missing name")
	}
	if strings.Contains(a.Name, ":") {
		return errors.New("name must not contain ':'")
	}
	if a.Email == "" {
		return errors.New("missing email")
	}
	if a.Password == "" {
		return errors.New("missing password")
	}
	if a.ChatID == 0 {
		return errors.New("missing chat_id")
	}
	if a.PollInterval < 0 {
		return errors.New("poll_interval must not be negative")
	}
	return nil
}

// LoadAccounts reads and validates the accounts file
func LoadAccounts(path string, defaultPoll time.Duration) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return ParseAccounts(data, defaultPoll)
}

// ParseAccounts decodes accounts YAML and fills defaults
func ParseAccounts(data []byte, defaultPoll time.Duration) ([]Account, error) {
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	seen := make(map[string]bool, len(f.Accounts))
	for i := range f.Accounts {
		acc := &f.Accounts[i]
		if err := acc.Validate(); err != nil {
			return nil, fmt.Errorf("account #%d (%s): %w", i+1, acc.Name, err)
		}
		if seen[acc.Name] {
			return nil, fmt.Errorf("duplicate account name %q", acc.Name)
		}
		seen[acc.Name] = true

		if len(acc.Folders) == 0 {
			acc.Folders = []string{DefaultFolder}
		}
		if acc.PollInterval == 0 {
			acc.PollInterval = defaultPoll
		}
	}

	return f.Accounts, nil
}
