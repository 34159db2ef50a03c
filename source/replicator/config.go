package replicator

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"connectd/internal/connect"
	"connectd/internal/messaging"
)

// Connector config keys.
const (
	SourceBrokers      = "source-brokers"
	SourceVersion      = "source-version"
	TopicWhitelist     = "topic-whitelist"
	DivideStrategy     = "task-divide-strategy"
	TaskParallelism    = "task-parallelism"
	StartFrom          = "start-from" // oldest|newest
	ConnectorClassName = "replicator"
	TaskClassName      = "replicator-task"
)

var (
	newConsumer = sarama.NewConsumer
)

func saramaConfig(kv connect.KeyValue) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if v := kv.Get(SourceVersion); v != "" {
		ver, err := sarama.ParseKafkaVersion(v)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	sc.Consumer.Return.Errors = true
	return sc, nil
}

func brokersOf(kv connect.KeyValue, key string) ([]string, error) {
	b := kv.GetList(key)
	if len(b) == 0 {
		return nil, fmt.Errorf("replicator: %s is required", key)
	}
	return b, nil
}

func initialOffset(kv connect.KeyValue) int64 {
	if strings.EqualFold(kv.Get(StartFrom), messaging.StartNewest) {
		return sarama.OffsetNewest
	}
	return sarama.OffsetOldest
}
