package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"connectd/internal/datasync"
	"connectd/internal/messaging"
)

const envPrefix = "CONNECTD__"

type LogConfig struct {
	datasync.TransportConfig `koanf:",squash"`

	PositionTopic string `koanf:"position_topic"`
	OffsetTopic   string `koanf:"offset_topic"`
	ConfigTopic   string `koanf:"config_topic"`
	Compression   bool   `koanf:"compression"`
}

type MessagingConfig struct {
	Driver            string `koanf:"driver"` // sarama|kafka-go|memory
	messaging.Options `koanf:",squash"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type Worker struct {
	SchemaVersion string `koanf:"schema_version"`

	WorkerID          string        `koanf:"worker_id"`
	Leader            bool          `koanf:"leader"`
	StoreRoot         string        `koanf:"store_root"`
	CommitInterval    time.Duration `koanf:"commit_interval"`
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	GRPCPort          int           `koanf:"grpc_port"`
	MetricsPort       int           `koanf:"metrics_port"`
	ConnectorsFile    string        `koanf:"connectors_file"`

	Logging   LoggingConfig   `koanf:"logging"`
	Log       LogConfig       `koanf:"log"`
	Messaging MessagingConfig `koanf:"messaging"`
}

// LoadWorker merges YAML (if present) with env-vars
// (prefix `CONNECTD__`, `__` separating nested keys).
func LoadWorker(path string) (Worker, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Worker{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Worker{}, fmt.Errorf("worker schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	_ = k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)

	var cfg Worker
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	if err := applyDefaults(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(c *Worker) error {
	if c.StoreRoot == "" {
		c.StoreRoot = "data"
	}
	if c.WorkerID == "" {
		id, err := workerID(c.StoreRoot)
		if err != nil {
			return fmt.Errorf("worker id: %w", err)
		}
		c.WorkerID = id
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = 10 * time.Second
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = 7070
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9100
	}
	if c.Log.Driver == "" {
		c.Log.Driver = "kafka"
	}
	if c.Log.ClientID == "" {
		c.Log.ClientID = "connectd-" + c.WorkerID
	}
	if c.Log.PositionTopic == "" {
		c.Log.PositionTopic = "connectd-position"
	}
	if c.Log.OffsetTopic == "" {
		c.Log.OffsetTopic = "connectd-offset"
	}
	if c.Log.ConfigTopic == "" {
		c.Log.ConfigTopic = "connectd-config"
	}
	if c.Messaging.Driver == "" {
		c.Messaging.Driver = messaging.DefaultDriver
	}
	if len(c.Messaging.Brokers) == 0 {
		c.Messaging.Brokers = c.Log.Brokers
	}
	return nil
}

const workerIDFile = "worker-id"

// workerID returns the id stored under root, generating and storing one on
// first start. Log consumer groups are named after it, so it must survive
// restarts.
func workerID(root string) (string, error) {
	p := filepath.Join(root, workerIDFile)
	b, err := os.ReadFile(p)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", err
	}
	id := uuid.NewString()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}
