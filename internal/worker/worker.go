// Package worker reconciles the connectors and tasks running in this process
// against a desired state. Connectors are identified by name; tasks have no
// identity beyond their config, so two structurally equal task configs are
// the same task.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"connectd/internal/connect"
	"connectd/internal/logging"
	"connectd/internal/messaging"
	"connectd/internal/position"
	"connectd/internal/telemetry"
)

// PositionSink receives source positions collected from running tasks.
type PositionSink interface {
	PutPosition(map[position.Key]position.Value)
	RemovePosition(ids []string)
}

// OffsetSink receives sink consumption offsets collected from running tasks.
type OffsetSink interface {
	PutPosition(map[string]position.Offset)
}

type Options struct {
	ID             string
	Positions      PositionSink
	Offsets        OffsetSink
	Reader         connect.PositionReader
	Messaging      messaging.Options
	CommitInterval time.Duration
}

type Worker struct {
	opts Options

	// mu serializes reconciliation passes.
	mu         sync.Mutex
	connectors *xsync.MapOf[string, *WorkerConnector]
	tasks      *xsync.MapOf[string, WorkingTask]

	accessMu sync.Mutex
	access   map[string]messaging.Access

	committer *PositionCommitter
	cancel    context.CancelFunc
	now       func() time.Time
}

func New(opts Options) *Worker {
	if opts.CommitInterval == 0 {
		opts.CommitInterval = 10 * time.Second
	}
	w := &Worker{
		opts:       opts,
		connectors: xsync.NewMapOf[string, *WorkerConnector](),
		tasks:      xsync.NewMapOf[string, WorkingTask](),
		access:     map[string]messaging.Access{},
		now:        time.Now,
	}
	w.committer = NewPositionCommitter(w, opts.CommitInterval)
	return w
}

// Start launches the periodic position committer.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.committer.Run(ctx)
	logging.L().Info("worker started", "id", w.opts.ID)
}

// Stop stops every task and connector, then commits what the tasks buffered.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tasks.Range(func(key string, t WorkingTask) bool {
		t.Stop()
		if r, ok := t.(interface{ Done() <-chan struct{} }); ok {
			select {
			case <-r.Done():
			case <-time.After(5 * time.Second):
				logging.L().Warn("task did not exit in time", "connector", t.Connector())
			}
		}
		return true
	})
	w.CommitTaskPosition()
	w.tasks.Clear()
	telemetry.RunningTasks.Set(0)

	w.connectors.Range(func(name string, wc *WorkerConnector) bool {
		if err := wc.Stop(); err != nil {
			logging.L().Warn("connector stop failed", "connector", name, "err", err)
		}
		return true
	})
	w.connectors.Clear()
	telemetry.RunningConnectors.Set(0)

	if w.cancel != nil {
		w.cancel()
	}
	w.accessMu.Lock()
	for name, a := range w.access {
		if err := a.Close(); err != nil {
			logging.L().Warn("close messaging access", "driver", name, "err", err)
		}
	}
	w.access = map[string]messaging.Access{}
	w.accessMu.Unlock()
	logging.L().Info("worker stopped", "id", w.opts.ID)
}

// StartConnectors drives the running connectors towards desired. An
// instantiation failure aborts the pass; the next pass picks up from
// whatever was applied.
func (w *Worker) StartConnectors(desired map[string]connect.ConnectorConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.connectors.Range(func(name string, wc *WorkerConnector) bool {
		cfg, ok := desired[name]
		if ok && !cfg.Deleted() {
			return true
		}
		if err := wc.Stop(); err != nil {
			logging.L().Warn("connector stop failed", "connector", name, "err", err)
		}
		w.connectors.Delete(name)
		telemetry.RunningConnectors.Dec()
		if ok && w.opts.Positions != nil {
			w.opts.Positions.RemovePosition([]string{name})
		}
		logging.L().Info("connector stopped", "connector", name)
		return true
	})

	for _, name := range sortedKeys(desired) {
		cfg := desired[name]
		if cfg.Deleted() {
			continue
		}
		if wc, ok := w.connectors.Load(name); ok {
			if wc.Config().Equal(cfg) {
				continue
			}
			if err := wc.Reconfigure(cfg); err != nil {
				telemetry.Reconciles.WithLabelValues("connectors", "error").Inc()
				return err
			}
			logging.L().Info("connector reconfigured", "connector", name)
			continue
		}

		c, err := connect.NewConnector(cfg.Get(connect.ConnectorClass))
		if err != nil {
			telemetry.Reconciles.WithLabelValues("connectors", "error").Inc()
			return fmt.Errorf("connector %q: %w", name, err)
		}
		wc := newWorkerConnector(name, c, cfg)
		if err := wc.Start(); err != nil {
			telemetry.Reconciles.WithLabelValues("connectors", "error").Inc()
			return err
		}
		w.connectors.Store(name, wc)
		telemetry.RunningConnectors.Inc()
		logging.L().Info("connector started", "connector", name, "class", cfg.Get(connect.ConnectorClass))
	}
	telemetry.Reconciles.WithLabelValues("connectors", "ok").Inc()
	return nil
}

// StartTasks drives the running tasks towards desired, a map of connector
// name to task configs. Unchanged configs keep their running task; any
// change stops the old task and starts a new one.
func (w *Worker) StartTasks(desired map[string][]connect.TaskConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	type want struct {
		connector string
		cfg       connect.TaskConfig
	}
	wanted := map[string]want{}
	for name, cfgs := range desired {
		for _, cfg := range cfgs {
			if cfg.Deleted() {
				continue
			}
			wanted[taskKey(name, cfg)] = want{connector: name, cfg: cfg}
		}
	}

	var stopped []WorkingTask
	w.tasks.Range(func(key string, t WorkingTask) bool {
		if _, ok := wanted[key]; ok {
			return true
		}
		t.Stop()
		w.tasks.Delete(key)
		stopped = append(stopped, t)
		telemetry.RunningTasks.Dec()
		logging.L().Info("task stopped", "connector", t.Connector())
		return true
	})
	// what a stopped task buffered since the last commit is not lost
	w.commit(stopped)

	for _, key := range sortedKeys(wanted) {
		if _, ok := w.tasks.Load(key); ok {
			continue
		}
		wt := wanted[key]
		t, err := w.startTask(wt.connector, wt.cfg)
		if err != nil {
			telemetry.Reconciles.WithLabelValues("tasks", "error").Inc()
			return err
		}
		w.tasks.Store(key, t)
		telemetry.RunningTasks.Inc()
		logging.L().Info("task started", "connector", wt.connector, "class", wt.cfg.Get(connect.TaskClass))
	}
	telemetry.Reconciles.WithLabelValues("tasks", "ok").Inc()
	return nil
}

func (w *Worker) startTask(connector string, cfg connect.TaskConfig) (WorkingTask, error) {
	class := cfg.Get(connect.TaskClass)
	task, err := connect.NewTask(class)
	if err != nil {
		return nil, fmt.Errorf("task of connector %q: %w", connector, err)
	}
	conv, err := connect.NewConverter(converterOf(cfg))
	if err != nil {
		return nil, fmt.Errorf("task of connector %q: %w", connector, err)
	}
	acc, err := w.messaging(messaging.DriverOf(cfg))
	if err != nil {
		return nil, fmt.Errorf("task of connector %q: %w", connector, err)
	}
	if a, ok := task.(connect.PositionReaderAware); ok && w.opts.Reader != nil {
		a.BindPositionReader(w.opts.Reader)
	}

	switch tk := task.(type) {
	case connect.SourceTask:
		p, err := acc.CreateProducer(cfg)
		if err != nil {
			return nil, fmt.Errorf("task of connector %q: %w", connector, err)
		}
		if err := tk.Start(cfg); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("task %q of connector %q start: %w", class, connector, err)
		}
		r := newSourceTaskRunner(connector, cfg, tk, p, conv)
		go r.run()
		return r, nil
	case connect.SinkTask:
		c, err := acc.CreatePullConsumer(cfg)
		if err != nil {
			return nil, fmt.Errorf("task of connector %q: %w", connector, err)
		}
		if err := tk.Start(cfg); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("task %q of connector %q start: %w", class, connector, err)
		}
		r := newSinkTaskRunner(connector, cfg, tk, c, conv)
		go r.run()
		return r, nil
	default:
		return nil, fmt.Errorf("task %q of connector %q is neither a source nor a sink task", class, connector)
	}
}

func (w *Worker) messaging(driver string) (messaging.Access, error) {
	w.accessMu.Lock()
	defer w.accessMu.Unlock()
	if a, ok := w.access[driver]; ok {
		return a, nil
	}
	a, err := messaging.Open(driver, w.opts.Messaging)
	if err != nil {
		return nil, err
	}
	w.access[driver] = a
	return a, nil
}

// CommitTaskPosition unions the positions buffered by every running source
// task and hands them to the position service. Sink offsets go to the offset
// service the same way.
func (w *Worker) CommitTaskPosition() {
	var running []WorkingTask
	w.tasks.Range(func(_ string, t WorkingTask) bool {
		running = append(running, t)
		return true
	})
	w.commit(running)
}

func (w *Worker) commit(tasks []WorkingTask) {
	ts := w.now().UnixMilli()
	positions := map[position.Key]position.Value{}
	offsets := map[string]position.Offset{}
	for _, t := range tasks {
		switch r := t.(type) {
		case *SourceTaskRunner:
			for id, v := range r.DrainPositions() {
				positions[position.Key{Connector: r.Connector(), Partition: id, Timestamp: ts}] = v
			}
		case *SinkTaskRunner:
			for k, v := range r.DrainOffsets() {
				offsets[k] = v
			}
		}
	}
	if len(positions) > 0 && w.opts.Positions != nil {
		w.opts.Positions.PutPosition(positions)
	}
	if len(offsets) > 0 && w.opts.Offsets != nil {
		w.opts.Offsets.PutPosition(offsets)
	}
}

// OnPositionUpdate is registered as a position service listener.
func (w *Worker) OnPositionUpdate() { w.committer.Trigger() }

// WorkingConnectors returns the config of every running connector by name.
func (w *Worker) WorkingConnectors() map[string]connect.ConnectorConfig {
	out := map[string]connect.ConnectorConfig{}
	w.connectors.Range(func(name string, wc *WorkerConnector) bool {
		out[name] = wc.Config()
		return true
	})
	return out
}

func (w *Worker) WorkingTasks() []WorkingTask {
	var out []WorkingTask
	w.tasks.Range(func(_ string, t WorkingTask) bool {
		out = append(out, t)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return taskKey(out[i].Connector(), out[i].Config()) < taskKey(out[j].Connector(), out[j].Config())
	})
	return out
}

var ErrConnectorNotRunning = errors.New("connector not running")

// TaskConfigs returns the task configs of a running connector.
func (w *Worker) TaskConfigs(name string) ([]connect.TaskConfig, error) {
	wc, ok := w.connectors.Load(name)
	if !ok {
		return nil, fmt.Errorf("connector %q: %w", name, ErrConnectorNotRunning)
	}
	return wc.TaskConfigs()
}

func taskKey(connector string, cfg connect.TaskConfig) string {
	return connector + "\x00" + cfg.Canonical()
}

func converterOf(cfg connect.TaskConfig) string {
	if c := cfg.Get(connect.SourceRecordConverter); c != "" {
		return c
	}
	return connect.DefaultConverter
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
