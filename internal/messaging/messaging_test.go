package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connectd/internal/connect"
)

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("carrier-pigeon", Options{})
	assert.Error(t, err)
}

func TestOpen_KafkaGoNeedsBrokers(t *testing.T) {
	_, err := Open("kafka-go", Options{})
	assert.Error(t, err)
}

func TestDriverOf(t *testing.T) {
	assert.Equal(t, DefaultDriver, DriverOf(connect.NewKeyValue(nil)))
	assert.Equal(t, "kafka-go", DriverOf(connect.NewKeyValue(map[string]string{connect.MessagingDriver: "kafka-go"})))
}

func TestConsumerArgs_RequireGroupAndTopics(t *testing.T) {
	_, _, err := consumerArgs(connect.NewKeyValue(map[string]string{connect.Topics: "a"}))
	assert.Error(t, err)
	_, _, err = consumerArgs(connect.NewKeyValue(map[string]string{connect.GroupID: "g"}))
	assert.Error(t, err)

	g, topics, err := consumerArgs(connect.NewKeyValue(map[string]string{connect.GroupID: "g", connect.Topics: "a, b"}))
	require.NoError(t, err)
	assert.Equal(t, "g", g)
	assert.Equal(t, []string{"a", "b"}, topics)
}

func TestSaramaProducer_Send(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(v []byte) error {
		assert.Equal(t, "payload", string(v))
		return nil
	})
	orig := newSyncProducer
	newSyncProducer = func([]string, *sarama.Config) (sarama.SyncProducer, error) { return mp, nil }
	defer func() { newSyncProducer = orig }()

	acc, err := Open("sarama", Options{Brokers: []string{"k:9092"}})
	require.NoError(t, err)
	p, err := acc.CreateProducer(connect.NewKeyValue(nil))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), "out", []byte("k"), []byte("payload")))
	require.NoError(t, p.Close())
}

type fakeSession struct {
	ctx     context.Context
	marked  map[string]int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "m" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	s.marked[topic] = offset
}
func (s *fakeSession) Commit()                                     { s.commits++ }
func (s *fakeSession) ResetOffset(string, int32, int64, string)    {}
func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {}
func (s *fakeSession) Context() context.Context                    { return s.ctx }

type fakeClaim struct {
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "in" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestSaramaConsumer_PollAndCommit(t *testing.T) {
	c := newSaramaConsumer(nil, []string{"in"}, Options{PollTimeout: 50 * time.Millisecond, Buffer: 8})
	sess := &fakeSession{ctx: context.Background(), marked: map[string]int64{}}
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	for i := int64(0); i < 3; i++ {
		claim.ch <- &sarama.ConsumerMessage{Topic: "in", Offset: i, Value: []byte{byte(i)}}
	}
	close(claim.ch)

	require.NoError(t, c.Setup(sess))
	require.NoError(t, c.ConsumeClaim(sess, claim))

	msgs, err := c.Poll(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[1].Offset)

	require.NoError(t, c.Commit(context.Background(), msgs))
	assert.Equal(t, int64(2), sess.marked["in"])
	assert.Equal(t, 1, sess.commits)

	require.NoError(t, c.Cleanup(sess))
	// the buffered third message is discarded with the session
	msgs, err = c.Poll(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NoError(t, c.Commit(context.Background(), []Message{{Topic: "in", Offset: 2}}))
	assert.Equal(t, 1, sess.commits)
}

func TestMemoryDriver_RoundTrip(t *testing.T) {
	b := NewMemoryBroker()
	acc := memoryAccess{b: b}
	cfg := connect.NewKeyValue(map[string]string{connect.GroupID: "g", connect.Topics: "events"})
	ctx := context.Background()

	p, err := acc.CreateProducer(cfg)
	require.NoError(t, err)
	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, p.Send(ctx, "events", nil, []byte(v)))
	}

	c, err := acc.CreatePullConsumer(cfg)
	require.NoError(t, err)
	msgs, err := c.Poll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NoError(t, c.Commit(ctx, msgs))

	// a new consumer of the same group resumes after the commit
	c2, err := acc.CreatePullConsumer(cfg)
	require.NoError(t, err)
	msgs, err = c2.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Value))
}
