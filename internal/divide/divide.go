// Package divide splits a connector's source topics into per-task
// assignments. Strategies are pure: the same topics and parallelism always
// yield structurally identical task configs.
package divide

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"connectd/internal/connect"
)

// Keys written into every task config besides the reserved ones.
const (
	SourceEndpoint = "source-endpoint"
	DataType       = "data-type"
)

type Config struct {
	StoreTopic      string
	SourceEndpoint  string
	RecordConverter string
	TaskClass       string
	DataType        string
	Parallelism     int
}

// Queue is one partition of a topic on a broker.
type Queue struct {
	Topic  string `json:"topic"`
	Broker string `json:"broker,omitempty"`
	ID     int32  `json:"id"`
}

// TopicInfo is one element of the JSON list stored under connect.Topics.
// Queues is empty when the whole topic is assigned.
type TopicInfo struct {
	Topic  string  `json:"topic"`
	Queues []Queue `json:"queues,omitempty"`
}

type Strategy func(topics map[string][]Queue, cfg Config) ([]connect.TaskConfig, error)

// ForName resolves the value of the task-divide-strategy connector key.
func ForName(name string) (Strategy, error) {
	switch name {
	case "", "topic":
		return ByTopic, nil
	case "queue":
		return ByQueue, nil
	default:
		return nil, fmt.Errorf("unsupported divide strategy %q", name)
	}
}

// ByTopic assigns whole topics round-robin over the task slots.
func ByTopic(topics map[string][]Queue, cfg Config) ([]connect.TaskConfig, error) {
	slots := make([][]TopicInfo, parallelism(cfg))
	for i, name := range sortedTopics(topics) {
		s := i % len(slots)
		slots[s] = append(slots[s], TopicInfo{Topic: name})
	}
	return build(slots, cfg)
}

// ByQueue assigns individual queues round-robin over the task slots, so a
// single busy topic can be spread across tasks.
func ByQueue(topics map[string][]Queue, cfg Config) ([]connect.TaskConfig, error) {
	var units []Queue
	for _, name := range sortedTopics(topics) {
		qs := append([]Queue(nil), topics[name]...)
		if len(qs) == 0 {
			// no partition metadata: the topic travels as one unit
			units = append(units, Queue{Topic: name, ID: -1})
			continue
		}
		sort.Slice(qs, func(a, b int) bool {
			if qs[a].Broker != qs[b].Broker {
				return qs[a].Broker < qs[b].Broker
			}
			return qs[a].ID < qs[b].ID
		})
		for _, q := range qs {
			q.Topic = name
			units = append(units, q)
		}
	}

	slots := make([][]TopicInfo, parallelism(cfg))
	for i, q := range units {
		s := i % len(slots)
		slots[s] = appendQueue(slots[s], q)
	}
	return build(slots, cfg)
}

func appendQueue(infos []TopicInfo, q Queue) []TopicInfo {
	idx := -1
	for i := range infos {
		if infos[i].Topic == q.Topic {
			idx = i
			break
		}
	}
	if idx < 0 {
		infos = append(infos, TopicInfo{Topic: q.Topic})
		idx = len(infos) - 1
	}
	if q.ID >= 0 {
		infos[idx].Queues = append(infos[idx].Queues, q)
	}
	return infos
}

func build(slots [][]TopicInfo, cfg Config) ([]connect.TaskConfig, error) {
	out := make([]connect.TaskConfig, 0, len(slots))
	for i, infos := range slots {
		if infos == nil {
			infos = []TopicInfo{}
		}
		b, err := json.Marshal(infos)
		if err != nil {
			return nil, fmt.Errorf("encode topics of task %d: %w", i, err)
		}
		tc := connect.NewKeyValue(map[string]string{
			connect.TaskID:                strconv.Itoa(i),
			connect.Topics:                string(b),
			connect.StoreTopic:            cfg.StoreTopic,
			connect.SourceRecordConverter: cfg.RecordConverter,
			SourceEndpoint:                cfg.SourceEndpoint,
			DataType:                      cfg.DataType,
		})
		if cfg.TaskClass != "" {
			tc = tc.With(connect.TaskClass, cfg.TaskClass)
		}
		out = append(out, tc)
	}
	return out, nil
}

// Decode reads the assignment stored under connect.Topics of a task config.
func Decode(tc connect.TaskConfig) ([]TopicInfo, error) {
	raw := tc.Get(connect.Topics)
	if raw == "" {
		return nil, nil
	}
	var infos []TopicInfo
	if err := json.Unmarshal([]byte(raw), &infos); err != nil {
		return nil, fmt.Errorf("decode %s: %w", connect.Topics, err)
	}
	return infos, nil
}

func parallelism(cfg Config) int {
	if cfg.Parallelism < 1 {
		return 1
	}
	return cfg.Parallelism
}

func sortedTopics(topics map[string][]Queue) []string {
	names := make([]string, 0, len(topics))
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
