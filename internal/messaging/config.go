package messaging

import (
	"fmt"
	"time"

	"connectd/internal/connect"
)

const (
	DefaultDriver = "sarama"

	StartOldest = "oldest"
	StartNewest = "newest"
)

type Options struct {
	Brokers   []string `koanf:"brokers"`
	Version   string   `koanf:"version"`
	ClientID  string   `koanf:"client_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default oldest)
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	// PollTimeout bounds how long Poll waits for the first message.
	PollTimeout time.Duration `koanf:"poll_timeout"`
	// Buffer caps messages fetched but not yet handed out by Poll.
	Buffer int `koanf:"buffer"`
}

func applyDefaults(o *Options) {
	if o.StartFrom == "" {
		o.StartFrom = StartOldest
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 500 * time.Millisecond
	}
	if o.Buffer == 0 {
		o.Buffer = 1024
	}
}

// DriverOf returns the driver a task config asks for.
func DriverOf(cfg connect.KeyValue) string {
	if d := cfg.Get(connect.MessagingDriver); d != "" {
		return d
	}
	return DefaultDriver
}

func consumerArgs(cfg connect.TaskConfig) (group string, topics []string, err error) {
	group, topics = cfg.Get(connect.GroupID), cfg.GetList(connect.Topics)
	if group == "" {
		return "", nil, fmt.Errorf("messaging: task config has no %s", connect.GroupID)
	}
	if len(topics) == 0 {
		return "", nil, fmt.Errorf("messaging: task config has no %s", connect.Topics)
	}
	return group, topics, nil
}
