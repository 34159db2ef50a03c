// Package replicator mirrors topics from a source Kafka cluster into the
// worker's message queue. The connector reads topic metadata and divides the
// partitions among tasks; each task consumes its partitions and resumes from
// the committed positions.
package replicator

import (
	"fmt"
	"sync"

	"connectd/internal/connect"
	"connectd/internal/divide"
)

type Connector struct {
	mu  sync.Mutex
	cfg connect.ConnectorConfig
}

func (c *Connector) Start(cfg connect.ConnectorConfig) error {
	if _, err := brokersOf(cfg, SourceBrokers); err != nil {
		return err
	}
	if _, err := divide.ForName(cfg.Get(DivideStrategy)); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

func (c *Connector) Stop() error { return nil }

func (c *Connector) Reconfigure(cfg connect.ConnectorConfig) error { return c.Start(cfg) }

func (*Connector) TaskClass() string { return TaskClassName }

// TaskConfigs lists the whitelisted topics with their partitions and divides
// them with the configured strategy.
func (c *Connector) TaskConfigs() ([]connect.TaskConfig, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	strategy, err := divide.ForName(cfg.Get(DivideStrategy))
	if err != nil {
		return nil, err
	}
	topics, err := c.metadata(cfg)
	if err != nil {
		return nil, err
	}
	converter := cfg.Get(connect.SourceRecordConverter)
	if converter == "" {
		converter = "raw"
	}
	tcs, err := strategy(topics, divide.Config{
		StoreTopic:      cfg.Get(connect.StoreTopic),
		SourceEndpoint:  cfg.Get(SourceBrokers),
		RecordConverter: converter,
		TaskClass:       TaskClassName,
		Parallelism:     cfg.GetInt(TaskParallelism),
	})
	if err != nil {
		return nil, err
	}
	out := make([]connect.TaskConfig, 0, len(tcs))
	for _, tc := range tcs {
		for _, k := range []string{SourceVersion, StartFrom} {
			if v := cfg.Get(k); v != "" {
				tc = tc.With(k, v)
			}
		}
		out = append(out, tc)
	}
	return out, nil
}

func (c *Connector) metadata(cfg connect.ConnectorConfig) (map[string][]divide.Queue, error) {
	brokers, err := brokersOf(cfg, SourceBrokers)
	if err != nil {
		return nil, err
	}
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	cons, err := newConsumer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("replicator: connect %v: %w", brokers, err)
	}
	defer cons.Close()

	whitelist := cfg.GetList(TopicWhitelist)
	if len(whitelist) == 0 {
		if whitelist, err = cons.Topics(); err != nil {
			return nil, fmt.Errorf("replicator: list topics: %w", err)
		}
	}
	out := make(map[string][]divide.Queue, len(whitelist))
	for _, topic := range whitelist {
		parts, err := cons.Partitions(topic)
		if err != nil {
			return nil, fmt.Errorf("replicator: partitions of %q: %w", topic, err)
		}
		qs := make([]divide.Queue, 0, len(parts))
		for _, p := range parts {
			qs = append(qs, divide.Queue{Topic: topic, Broker: brokers[0], ID: p})
		}
		out[topic] = qs
	}
	return out, nil
}

func init() {
	connect.RegisterConnector(ConnectorClassName, func() connect.Connector { return &Connector{} })
	connect.RegisterTask(TaskClassName, func() connect.Task { return &Task{} })
}
