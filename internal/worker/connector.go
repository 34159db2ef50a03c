package worker

import (
	"fmt"
	"sync"

	"connectd/internal/connect"
)

type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// WorkerConnector wraps a connector plugin with its current config and state.
type WorkerConnector struct {
	name      string
	connector connect.Connector

	mu    sync.Mutex
	cfg   connect.ConnectorConfig
	state State
}

func newWorkerConnector(name string, c connect.Connector, cfg connect.ConnectorConfig) *WorkerConnector {
	return &WorkerConnector{name: name, connector: c, cfg: cfg}
}

func (wc *WorkerConnector) Name() string { return wc.name }

func (wc *WorkerConnector) Config() connect.ConnectorConfig {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.cfg
}

func (wc *WorkerConnector) State() State {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.state
}

func (wc *WorkerConnector) Start() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if err := wc.connector.Start(wc.cfg); err != nil {
		return fmt.Errorf("connector %q start: %w", wc.name, err)
	}
	wc.state = Running
	return nil
}

// Stop is a no-op on a stopped connector.
func (wc *WorkerConnector) Stop() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.state == Stopped {
		return nil
	}
	wc.state = Stopped
	if err := wc.connector.Stop(); err != nil {
		return fmt.Errorf("connector %q stop: %w", wc.name, err)
	}
	return nil
}

func (wc *WorkerConnector) Reconfigure(cfg connect.ConnectorConfig) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if err := wc.connector.Reconfigure(cfg); err != nil {
		return fmt.Errorf("connector %q reconfigure: %w", wc.name, err)
	}
	wc.cfg = cfg
	return nil
}

// TaskConfigs asks the connector for its task configs and stamps each with
// the connector's task class unless the connector set one itself.
func (wc *WorkerConnector) TaskConfigs() ([]connect.TaskConfig, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	tcs, err := wc.connector.TaskConfigs()
	if err != nil {
		return nil, fmt.Errorf("connector %q task configs: %w", wc.name, err)
	}
	class := wc.connector.TaskClass()
	out := make([]connect.TaskConfig, 0, len(tcs))
	for _, tc := range tcs {
		if !tc.Has(connect.TaskClass) {
			tc = tc.With(connect.TaskClass, class)
		}
		out = append(out, tc)
	}
	return out, nil
}
