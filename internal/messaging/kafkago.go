package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"connectd/internal/connect"
)

type kafkagoAccess struct {
	opts Options
}

func openKafkaGo(o Options) (Access, error) {
	if len(o.Brokers) == 0 {
		return nil, fmt.Errorf("kafka-go: at least one broker address is required")
	}
	return &kafkagoAccess{opts: o}, nil
}

func (a *kafkagoAccess) CreateProducer(connect.TaskConfig) (Producer, error) {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(a.opts.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &kafkagoProducer{w: w}, nil
}

func (a *kafkagoAccess) CreatePullConsumer(cfg connect.TaskConfig) (PullConsumer, error) {
	group, topics, err := consumerArgs(cfg)
	if err != nil {
		return nil, err
	}
	start := kafka.FirstOffset
	if a.opts.StartFrom == StartNewest {
		start = kafka.LastOffset
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     a.opts.Brokers,
		GroupID:     group,
		GroupTopics: topics,
		StartOffset: start,
		MinBytes:    1,
		MaxBytes:    10 << 20,
	})
	return &kafkagoConsumer{r: r, timeout: a.opts.PollTimeout}, nil
}

func (*kafkagoAccess) Close() error { return nil }

type kafkagoProducer struct {
	w *kafka.Writer
}

func (p *kafkagoProducer) Send(ctx context.Context, topic string, key, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: value})
}

func (p *kafkagoProducer) Close() error { return p.w.Close() }

type kafkagoConsumer struct {
	r       *kafka.Reader
	timeout time.Duration
}

// Poll fetches until max messages arrived or the poll timeout elapsed.
func (c *kafkagoConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out []Message
	for len(out) < max {
		m, err := c.r.FetchMessage(fctx)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, err
		}
		out = append(out, fromKafkaGo(m))
	}
	return out, nil
}

func (c *kafkagoConsumer) Commit(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	km := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km = append(km, kafka.Message{Topic: m.Topic, Partition: int(m.Partition), Offset: m.Offset})
	}
	return c.r.CommitMessages(ctx, km...)
}

func (c *kafkagoConsumer) Close() error { return c.r.Close() }

func fromKafkaGo(m kafka.Message) Message {
	out := Message{
		Topic:     m.Topic,
		Partition: int32(m.Partition),
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Time,
	}
	if len(m.Headers) > 0 {
		out.Headers = make(map[string][]byte, len(m.Headers))
		for _, h := range m.Headers {
			out.Headers[h.Key] = h.Value
		}
	}
	return out
}

func init() { Register("kafka-go", openKafkaGo) }
