// Package controller holds the desired connector configs of the cluster and
// feeds them into the worker's reconciliation entry points. Configs are kept
// in a local file store and replicated to peers over a broker log; the newest
// update-timestamp wins.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"connectd/internal/connect"
	"connectd/internal/datasync"
	"connectd/internal/kv"
	"connectd/internal/logging"
	"connectd/internal/messaging"
)

var ErrUnknownConnector = errors.New("unknown connector")

// Reconciler is the part of the worker the controller drives.
type Reconciler interface {
	StartConnectors(map[string]connect.ConnectorConfig) error
	StartTasks(map[string][]connect.TaskConfig) error
	TaskConfigs(name string) ([]connect.TaskConfig, error)
	WorkingConnectors() map[string]connect.ConnectorConfig
}

type Options struct {
	StoreRoot string
	WorkerID  string
	// Topic and Transport enable replication; without them configs stay local.
	Topic     string
	Transport datasync.Transport
	// MessagingDriver is stamped on task configs that do not name one.
	MessagingDriver string
}

type Controller struct {
	opts   Options
	worker Reconciler
	store  kv.Store[string, connect.ConnectorConfig]
	log    datasync.Synchronizer[string, connect.ConnectorConfig]

	mu      sync.Mutex // guards store
	applyMu sync.Mutex
	trigger chan struct{}
	now     func() time.Time
}

func New(opts Options, w Reconciler) *Controller {
	c := &Controller{
		opts:    opts,
		worker:  w,
		store:   kv.NewFileStore[string, connect.ConnectorConfig](kv.Path(opts.StoreRoot, kv.ConfigStore), kv.StringCodec{}, kv.JSONCodec[connect.ConnectorConfig]{}),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
	if opts.Transport != nil && opts.Topic != "" {
		c.log = datasync.NewBrokerLog[string, connect.ConnectorConfig](opts.Transport, opts.Topic, "config-"+opts.WorkerID,
			c.onRecord, kv.StringCodec{}, kv.JSONCodec[connect.ConnectorConfig]{})
	}
	return c
}

// Start loads the local configs, joins the config log and re-announces every
// local config so peers that missed it converge.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if err := c.store.Load(); err != nil {
		logging.L().Error("controller: load configs", "err", err)
	}
	snapshot := copyMap(c.store.Map())
	c.mu.Unlock()

	if c.log == nil {
		return nil
	}
	if err := c.log.Start(ctx); err != nil {
		return fmt.Errorf("controller: start config log: %w", err)
	}
	for _, name := range sortedNames(snapshot) {
		c.log.Send(name, snapshot[name])
	}
	return nil
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	err := c.store.Persist()
	c.mu.Unlock()
	if c.log != nil {
		err = errors.Join(err, c.log.Stop())
	}
	return err
}

// PutConnector records the desired config of a connector and applies it.
func (c *Controller) PutConnector(name string, cfg connect.ConnectorConfig) error {
	if name == "" {
		return errors.New("connector name is required")
	}
	if !cfg.Has(connect.ConnectorClass) {
		return fmt.Errorf("connector %q: %s is required", name, connect.ConnectorClass)
	}
	c.mu.Lock()
	cur, _ := c.store.Get(name)
	c.mu.Unlock()
	c.put(name, cfg.With(connect.UpdateTimestamp, c.timestamp(cur)))
	return c.Apply()
}

// StopConnector marks the connector deleted. The entry is kept so the
// deletion replicates and wins over older configs.
func (c *Controller) StopConnector(name string) error {
	c.mu.Lock()
	cfg, ok := c.store.Get(name)
	c.mu.Unlock()
	if !ok || cfg.Deleted() {
		return fmt.Errorf("connector %q: %w", name, ErrUnknownConnector)
	}
	c.put(name, cfg.With(connect.ConfigDeleted, "1").With(connect.UpdateTimestamp, c.timestamp(cfg)))
	return c.Apply()
}

// timestamp returns an update-timestamp strictly newer than cur's.
func (c *Controller) timestamp(cur connect.ConnectorConfig) string {
	ts := c.now().UnixMilli()
	if prev := cur.GetInt64(connect.UpdateTimestamp); ts <= prev {
		ts = prev + 1
	}
	return strconv.FormatInt(ts, 10)
}

func (c *Controller) put(name string, cfg connect.ConnectorConfig) {
	c.mu.Lock()
	c.store.Put(name, cfg)
	if err := c.store.Persist(); err != nil {
		logging.L().Error("controller: persist configs", "err", err)
	}
	c.mu.Unlock()
	if c.log != nil {
		c.log.Send(name, cfg)
	}
}

// Connectors returns the desired configs of connectors that are not deleted.
func (c *Controller) Connectors() map[string]connect.ConnectorConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]connect.ConnectorConfig{}
	for name, cfg := range c.store.Map() {
		if !cfg.Deleted() {
			out[name] = cfg
		}
	}
	return out
}

// Apply runs one reconciliation pass: connectors first, then the tasks the
// running connectors ask for.
func (c *Controller) Apply() error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	desired := copyMap(c.store.Map())
	c.mu.Unlock()

	if err := c.worker.StartConnectors(desired); err != nil {
		return fmt.Errorf("reconcile connectors: %w", err)
	}

	tasks := map[string][]connect.TaskConfig{}
	for name, cfg := range c.worker.WorkingConnectors() {
		tcs, err := c.worker.TaskConfigs(name)
		if err != nil {
			return fmt.Errorf("reconcile tasks: %w", err)
		}
		for _, tc := range tcs {
			tasks[name] = append(tasks[name], c.stamp(name, cfg, tc))
		}
	}
	if err := c.worker.StartTasks(tasks); err != nil {
		return fmt.Errorf("reconcile tasks: %w", err)
	}
	return nil
}

// stamp fills runtime keys a task config did not set from its connector.
func (c *Controller) stamp(name string, cfg connect.ConnectorConfig, tc connect.TaskConfig) connect.TaskConfig {
	inherit := func(key, fallback string) {
		if tc.Has(key) {
			return
		}
		if v := cfg.Get(key); v != "" {
			tc = tc.With(key, v)
		} else if fallback != "" {
			tc = tc.With(key, fallback)
		}
	}
	driver := c.opts.MessagingDriver
	if driver == "" {
		driver = messaging.DefaultDriver
	}
	inherit(connect.ConnectorName, name)
	inherit(connect.MessagingDriver, driver)
	inherit(connect.SourceRecordConverter, connect.DefaultConverter)
	inherit(connect.GroupID, name)
	inherit(connect.MaxRecordsPerSecond, "")
	return tc
}

// Run re-applies on every tick and whenever a peer changed a config, so a
// failed pass is retried.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := c.Apply(); err != nil {
			logging.L().Warn("controller: reconcile failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-c.trigger:
		}
	}
}

func (c *Controller) onRecord(name string, in connect.ConnectorConfig) {
	c.mu.Lock()
	cur, ok := c.store.Get(name)
	if ok && !newer(in, cur) {
		c.mu.Unlock()
		return
	}
	c.store.Put(name, in)
	if err := c.store.Persist(); err != nil {
		logging.L().Error("controller: persist configs", "err", err)
	}
	c.mu.Unlock()

	logging.L().Info("controller: connector config updated", "connector", name, "deleted", in.Deleted())
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// newer orders configs by update-timestamp, breaking ties on content so all
// workers pick the same winner.
func newer(a, b connect.ConnectorConfig) bool {
	ta, tb := a.GetInt64(connect.UpdateTimestamp), b.GetInt64(connect.UpdateTimestamp)
	if ta != tb {
		return ta > tb
	}
	return a.Canonical() > b.Canonical()
}

func copyMap(m map[string]connect.ConnectorConfig) map[string]connect.ConnectorConfig {
	out := make(map[string]connect.ConnectorConfig, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedNames(m map[string]connect.ConnectorConfig) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
