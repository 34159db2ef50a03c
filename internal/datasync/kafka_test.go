package datasync

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	ctx    context.Context
	claims map[string][]int32
}

func (s *stubSession) Claims() map[string][]int32                  { return s.claims }
func (s *stubSession) MemberID() string                            { return "m" }
func (s *stubSession) GenerationID() int32                         { return 1 }
func (s *stubSession) MarkOffset(string, int32, int64, string)     {}
func (s *stubSession) Commit()                                     {}
func (s *stubSession) ResetOffset(string, int32, int64, string)    {}
func (s *stubSession) MarkMessage(*sarama.ConsumerMessage, string) {}
func (s *stubSession) Context() context.Context                    { return s.ctx }

type stubClaim struct {
	partition int32
	ch        chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "state" }
func (c *stubClaim) Partition() int32                         { return c.partition }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func isReady(l *logHandler) bool {
	select {
	case <-l.ready:
		return true
	default:
		return false
	}
}

func TestLogHandler_ReadyOnlyAfterEveryClaimStarted(t *testing.T) {
	l := &logHandler{h: func(_, _ []byte) {}, ready: make(chan struct{})}
	sess := &stubSession{ctx: context.Background(), claims: map[string][]int32{"state": {0, 1}}}
	require.NoError(t, l.Setup(sess))
	assert.False(t, isReady(l), "ready before any claim started")

	run := func(p int32) {
		c := &stubClaim{partition: p, ch: make(chan *sarama.ConsumerMessage)}
		close(c.ch)
		require.NoError(t, l.ConsumeClaim(sess, c))
	}
	run(0)
	assert.False(t, isReady(l), "ready with one of two claims started")
	run(1)
	assert.True(t, isReady(l))

	// a rebalance must not close ready twice
	require.NoError(t, l.Setup(sess))
	run(0)
	run(1)
}

func TestLogHandler_ReadyWithoutClaims(t *testing.T) {
	l := &logHandler{ready: make(chan struct{})}
	require.NoError(t, l.Setup(&stubSession{ctx: context.Background()}))
	assert.True(t, isReady(l))
}
