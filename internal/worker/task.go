package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"connectd/internal/connect"
	"connectd/internal/logging"
	"connectd/internal/messaging"
	"connectd/internal/position"
	"connectd/internal/telemetry"
)

const (
	sinkBatch    = 500
	errorBackoff = time.Second
)

// WorkingTask is a running task instance together with its transport.
// Stopping is cooperative: the loop observes the flag after its current
// iteration and the task's own Stop is called exactly once.
type WorkingTask interface {
	Connector() string
	Config() connect.TaskConfig
	State() State
	Stop()
}

type runner struct {
	connector string
	cfg       connect.TaskConfig
	task      connect.Task

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func (r *runner) init(connector string, cfg connect.TaskConfig, task connect.Task) {
	r.connector, r.cfg, r.task = connector, cfg, task
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.done = make(chan struct{})
}

func (r *runner) Connector() string          { return r.connector }
func (r *runner) Config() connect.TaskConfig { return r.cfg }

func (r *runner) State() State {
	if r.stopping.Load() {
		return Stopped
	}
	return Running
}

func (r *runner) Stop() {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		r.cancel()
		if err := r.task.Stop(); err != nil {
			logging.L().Warn("task stop failed", "connector", r.connector, "err", err)
		}
	})
}

// Done is closed when the run loop has exited and released its transport.
func (r *runner) Done() <-chan struct{} { return r.done }

func (r *runner) backoff() {
	select {
	case <-r.ctx.Done():
	case <-time.After(errorBackoff):
	}
}

// SourceTaskRunner polls a source task, ships converted payloads to the
// queue and buffers the position of every record that was sent.
type SourceTaskRunner struct {
	runner
	source    connect.SourceTask
	producer  messaging.Producer
	converter connect.Converter
	limiter   *RateLimiter
	topic     string

	mu        sync.Mutex
	positions map[string]position.Value
}

func newSourceTaskRunner(connector string, cfg connect.TaskConfig, t connect.SourceTask, p messaging.Producer, conv connect.Converter) *SourceTaskRunner {
	s := &SourceTaskRunner{
		source:    t,
		producer:  p,
		converter: conv,
		topic:     cfg.Get(connect.StoreTopic),
		positions: map[string]position.Value{},
	}
	s.init(connector, cfg, t)
	if n := cfg.GetInt64(connect.MaxRecordsPerSecond); n > 0 {
		s.limiter = NewRateLimiter(n)
	}
	return s
}

func (s *SourceTaskRunner) run() {
	defer close(s.done)
	defer func() {
		if s.limiter != nil {
			s.limiter.Close()
		}
		if err := s.producer.Close(); err != nil {
			logging.L().Warn("source task: close producer", "connector", s.connector, "err", err)
		}
	}()

	for !s.stopping.Load() {
		recs, err := s.source.Poll(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logging.L().Warn("source task: poll", "connector", s.connector, "err", err)
			s.backoff()
			continue
		}
		for _, rec := range recs {
			if s.limiter != nil {
				if err := s.limiter.Acquire(s.ctx); err != nil {
					return
				}
			}
			if err := s.ship(rec); err != nil {
				logging.L().Warn("source task: send", "connector", s.connector, "err", err)
				continue
			}
			s.mu.Lock()
			s.positions[position.PartitionID(rec.Partition)] = position.Value{Partition: rec.Partition, Position: rec.Position}
			s.mu.Unlock()
			telemetry.RecordsProcessed.WithLabelValues(s.connector, "source").Inc()
		}
	}
}

func (s *SourceTaskRunner) ship(rec connect.SourceRecord) error {
	b, err := s.converter.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	topic := rec.Topic
	if topic == "" {
		topic = s.topic
	}
	if topic == "" {
		return fmt.Errorf("record has no topic and task has no %s", connect.StoreTopic)
	}
	return s.producer.Send(s.ctx, topic, rec.Key, b)
}

// DrainPositions returns the positions buffered since the previous call.
func (s *SourceTaskRunner) DrainPositions() map[string]position.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.positions
	s.positions = map[string]position.Value{}
	return out
}

// SinkTaskRunner pulls batches from the queue, converts them and pushes them
// into a sink task. Offsets are committed only after Put succeeded.
type SinkTaskRunner struct {
	runner
	sink      connect.SinkTask
	consumer  messaging.PullConsumer
	converter connect.Converter

	mu      sync.Mutex
	offsets map[string]position.Offset
}

func newSinkTaskRunner(connector string, cfg connect.TaskConfig, t connect.SinkTask, c messaging.PullConsumer, conv connect.Converter) *SinkTaskRunner {
	s := &SinkTaskRunner{
		sink:      t,
		consumer:  c,
		converter: conv,
		offsets:   map[string]position.Offset{},
	}
	s.init(connector, cfg, t)
	return s
}

func (s *SinkTaskRunner) run() {
	defer close(s.done)
	defer func() {
		if err := s.consumer.Close(); err != nil {
			logging.L().Warn("sink task: close consumer", "connector", s.connector, "err", err)
		}
	}()

	for !s.stopping.Load() {
		msgs, err := s.consumer.Poll(s.ctx, sinkBatch)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logging.L().Warn("sink task: poll", "connector", s.connector, "err", err)
			s.backoff()
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		recs := s.convert(msgs)
		if len(recs) > 0 {
			if err := s.sink.Put(s.ctx, recs); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				logging.L().Warn("sink task: put", "connector", s.connector, "records", len(recs), "err", err)
				s.backoff()
				continue
			}
		}
		if err := s.consumer.Commit(s.ctx, msgs); err != nil {
			logging.L().Warn("sink task: commit", "connector", s.connector, "err", err)
		}
		s.mu.Lock()
		for _, m := range msgs {
			s.offsets[OffsetKey(s.connector, m.Topic, m.Partition)] = position.Offset(strconv.FormatInt(m.Offset+1, 10))
		}
		s.mu.Unlock()
		telemetry.RecordsProcessed.WithLabelValues(s.connector, "sink").Add(float64(len(recs)))
	}
}

func (s *SinkTaskRunner) convert(msgs []messaging.Message) []connect.SinkRecord {
	recs := make([]connect.SinkRecord, 0, len(msgs))
	for _, m := range msgs {
		payload, err := s.converter.Unmarshal(m.Value)
		if err != nil {
			logging.L().Warn("sink task: dropping unconvertible record", "connector", s.connector,
				"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
			continue
		}
		recs = append(recs, connect.SinkRecord{
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Payload:   payload,
			Timestamp: m.Timestamp,
		})
	}
	return recs
}

// DrainOffsets returns the offsets committed since the previous call.
func (s *SinkTaskRunner) DrainOffsets() map[string]position.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.offsets
	s.offsets = map[string]position.Offset{}
	return out
}

// OffsetKey names the offset entry of one queue partition read by a connector.
func OffsetKey(connector, topic string, partition int32) string {
	return connector + "/" + topic + "/" + strconv.Itoa(int(partition))
}
