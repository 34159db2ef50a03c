package replicator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"connectd/internal/connect"
	"connectd/internal/divide"
	"connectd/internal/logging"
)

const maxBatch = 256

// Task consumes its assigned partitions with one partition consumer each.
// The position of a record is the next offset to read.
type Task struct {
	reader connect.PositionReader

	connector string
	target    string
	cons      sarama.Consumer
	parts     []sarama.PartitionConsumer
	msgs      chan *sarama.ConsumerMessage
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

func (t *Task) BindPositionReader(r connect.PositionReader) { t.reader = r }

func (t *Task) Start(cfg connect.TaskConfig) error {
	infos, err := divide.Decode(cfg)
	if err != nil {
		return err
	}
	brokers, err := brokersOf(cfg, divide.SourceEndpoint)
	if err != nil {
		return err
	}
	sc, err := saramaConfig(cfg)
	if err != nil {
		return err
	}
	if t.cons, err = newConsumer(brokers, sc); err != nil {
		return fmt.Errorf("replicator: connect %v: %w", brokers, err)
	}
	t.connector = cfg.Get(connect.ConnectorName)
	t.target = cfg.Get(connect.StoreTopic)
	t.msgs = make(chan *sarama.ConsumerMessage, maxBatch)

	fallback := initialOffset(cfg)
	for _, info := range infos {
		ids, err := t.partitionsOf(info)
		if err != nil {
			t.Stop()
			return err
		}
		for _, id := range ids {
			offset := t.resume(info.Topic, id, fallback)
			pc, err := t.cons.ConsumePartition(info.Topic, id, offset)
			if err != nil {
				t.Stop()
				return fmt.Errorf("replicator: consume %s/%d@%d: %w", info.Topic, id, offset, err)
			}
			t.parts = append(t.parts, pc)
			t.pump(pc)
		}
	}
	logging.L().Info("replicator task started", "connector", t.connector, "partitions", len(t.parts))
	return nil
}

func (t *Task) partitionsOf(info divide.TopicInfo) ([]int32, error) {
	var ids []int32
	for _, q := range info.Queues {
		// a negative id stands for the whole topic
		if q.ID >= 0 {
			ids = append(ids, q.ID)
		}
	}
	if len(ids) > 0 {
		return ids, nil
	}
	ids, err := t.cons.Partitions(info.Topic)
	if err != nil {
		return nil, fmt.Errorf("replicator: partitions of %q: %w", info.Topic, err)
	}
	return ids, nil
}

func (t *Task) resume(topic string, partition int32, fallback int64) int64 {
	if t.reader == nil {
		return fallback
	}
	pos, ok := t.reader.Position(t.connector, partitionOf(topic, partition))
	if !ok {
		return fallback
	}
	off, err := strconv.ParseInt(string(pos), 10, 64)
	if err != nil {
		logging.L().Warn("replicator: ignoring unparsable position", "topic", topic, "partition", partition, "err", err)
		return fallback
	}
	return off
}

func (t *Task) pump(pc sarama.PartitionConsumer) {
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		for m := range pc.Messages() {
			t.msgs <- m
		}
	}()
	go func() {
		defer t.wg.Done()
		for err := range pc.Errors() {
			logging.L().Warn("replicator: partition consumer", "topic", err.Topic, "partition", err.Partition, "err", err.Err)
		}
	}()
}

// Poll waits up to a second for the first message and then drains what is
// already buffered.
func (t *Task) Poll(ctx context.Context) ([]connect.SourceRecord, error) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	var out []connect.SourceRecord
	select {
	case m, ok := <-t.msgs:
		if !ok {
			return nil, nil
		}
		out = append(out, t.record(m))
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for len(out) < maxBatch {
		select {
		case m, ok := <-t.msgs:
			if !ok {
				return out, nil
			}
			out = append(out, t.record(m))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (t *Task) record(m *sarama.ConsumerMessage) connect.SourceRecord {
	topic := t.target
	if topic == "" {
		topic = m.Topic
	}
	return connect.SourceRecord{
		Partition: partitionOf(m.Topic, m.Partition),
		Position:  []byte(strconv.FormatInt(m.Offset+1, 10)),
		Topic:     topic,
		Key:       m.Key,
		Payload:   m.Value,
	}
}

func (t *Task) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		for _, pc := range t.parts {
			pc.AsyncClose()
		}
		if t.msgs != nil {
			// pumps block on a full buffer once Poll stops draining
			go func() {
				for range t.msgs {
				}
			}()
			t.wg.Wait()
			close(t.msgs)
		}
		if t.cons != nil {
			err = t.cons.Close()
		}
	})
	return err
}

func partitionOf(topic string, partition int32) []byte {
	return []byte(topic + "/" + strconv.Itoa(int(partition)))
}
