// Package stdout is a sink connector that prints every record it receives.
// It is meant for smoke tests and demos.
package stdout

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"connectd/internal/connect"
)

const (
	ConnectorClassName = "stdout"
	TaskClassName      = "stdout-task"

	TaskParallelism = "task-parallelism"
	DelayMS         = "delay-ms"      // artificial per-batch delay
	PrintCounter    = "print-counter" // prepend seq#
	PrintValue      = "print-value"
)

type Connector struct {
	mu  sync.Mutex
	cfg connect.ConnectorConfig
}

func (c *Connector) Start(cfg connect.ConnectorConfig) error {
	if len(cfg.GetList(connect.Topics)) == 0 {
		return fmt.Errorf("stdout-sink: %s is required", connect.Topics)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

func (c *Connector) Stop() error { return nil }

func (c *Connector) Reconfigure(cfg connect.ConnectorConfig) error { return c.Start(cfg) }

func (*Connector) TaskClass() string { return TaskClassName }

// TaskConfigs hands every task the full topic list; the consumer group
// splits the partitions between them.
func (c *Connector) TaskConfigs() ([]connect.TaskConfig, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	n := cfg.GetInt(TaskParallelism)
	if n < 1 {
		n = 1
	}
	out := make([]connect.TaskConfig, 0, n)
	for i := 0; i < n; i++ {
		tc := connect.NewKeyValue(map[string]string{
			connect.TaskID:    strconv.Itoa(i),
			connect.Topics:    cfg.Get(connect.Topics),
			connect.TaskClass: TaskClassName,
		})
		for _, k := range []string{DelayMS, PrintCounter, PrintValue, connect.GroupID, connect.SourceRecordConverter} {
			if v := cfg.Get(k); v != "" {
				tc = tc.With(k, v)
			}
		}
		out = append(out, tc)
	}
	return out, nil
}

var seq uint64

// Task writes one line per record.
type Task struct {
	out io.Writer

	delay        time.Duration
	printCounter bool
	printValue   bool

	mu sync.Mutex
	w  *bufio.Writer
}

func (t *Task) Start(cfg connect.TaskConfig) error {
	if t.out == nil {
		t.out = os.Stdout
	}
	t.delay = time.Duration(cfg.GetInt(DelayMS)) * time.Millisecond
	t.printCounter = cfg.GetBool(PrintCounter)
	t.printValue = cfg.GetBool(PrintValue)
	t.w = bufio.NewWriter(t.out)
	return nil
}

func (t *Task) Put(ctx context.Context, records []connect.SinkRecord) error {
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range records {
		if t.printCounter {
			fmt.Fprintf(t.w, "[sink %06d] ", atomic.AddUint64(&seq, 1))
		}
		fmt.Fprintf(t.w, "%s[%d]@%d", r.Topic, r.Partition, r.Offset)
		if t.printValue {
			fmt.Fprintf(t.w, " %s", render(r.Payload))
		}
		t.w.WriteByte('\n')
	}
	return t.w.Flush()
}

func (t *Task) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	return t.w.Flush()
}

func render(v any) string {
	switch p := v.(type) {
	case []byte:
		return string(p)
	case string:
		return p
	default:
		return fmt.Sprint(p)
	}
}

func init() {
	connect.RegisterConnector(ConnectorClassName, func() connect.Connector { return &Connector{} })
	connect.RegisterTask(TaskClassName, func() connect.Task { return &Task{} })
}
