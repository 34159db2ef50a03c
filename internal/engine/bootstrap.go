package engine

import (
	"context"
	"fmt"

	"connectd/internal/config"
	"connectd/internal/connect"
	"connectd/internal/controller"
	"connectd/internal/datasync"
	"connectd/internal/logging"
	"connectd/internal/position"
	"connectd/internal/telemetry"
	"connectd/internal/transport"
	"connectd/internal/worker"
)

// Bootstrap wires one worker process: the position and offset services, the
// worker, the config controller, the control server and the metrics endpoint.
func Bootstrap(ctx context.Context, cfg config.Worker) (*Engine, error) {
	logging.Configure(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON, WorkerID: cfg.WorkerID})

	e := &Engine{cfg: cfg}
	fail := func(err error) (*Engine, error) {
		e.shutdown()
		return nil, err
	}

	// 1. position + offset services, one log transport each
	pt, err := datasync.NewTransport(cfg.Log.TransportConfig)
	if err != nil {
		return fail(fmt.Errorf("position log: %w", err))
	}
	e.positions = position.NewPositionManager(position.Config{
		StoreRoot:   cfg.StoreRoot,
		Topic:       cfg.Log.PositionTopic,
		WorkerID:    cfg.WorkerID,
		Leader:      cfg.Leader,
		Compression: cfg.Log.Compression,
	}, pt)
	if err := e.positions.Start(ctx); err != nil {
		return fail(fmt.Errorf("position service: %w", err))
	}

	ot, err := datasync.NewTransport(cfg.Log.TransportConfig)
	if err != nil {
		return fail(fmt.Errorf("offset log: %w", err))
	}
	e.offsets = position.NewOffsetManager(position.Config{
		StoreRoot:   cfg.StoreRoot,
		Topic:       cfg.Log.OffsetTopic,
		WorkerID:    cfg.WorkerID,
		Compression: cfg.Log.Compression,
	}, ot)
	if err := e.offsets.Start(ctx); err != nil {
		return fail(fmt.Errorf("offset service: %w", err))
	}

	// 2. worker
	e.worker = worker.New(worker.Options{
		ID:             cfg.WorkerID,
		Positions:      e.positions,
		Offsets:        e.offsets,
		Reader:         e.positions,
		Messaging:      cfg.Messaging.Options,
		CommitInterval: cfg.CommitInterval,
	})
	e.positions.RegisterListener(e.worker.OnPositionUpdate)
	e.worker.Start(ctx)

	// 3. config controller
	ct, err := datasync.NewTransport(cfg.Log.TransportConfig)
	if err != nil {
		return fail(fmt.Errorf("config log: %w", err))
	}
	e.controller = controller.New(controller.Options{
		StoreRoot:       cfg.StoreRoot,
		WorkerID:        cfg.WorkerID,
		Topic:           cfg.Log.ConfigTopic,
		Transport:       ct,
		MessagingDriver: cfg.Messaging.Driver,
	}, e.worker)
	if err := e.controller.Start(ctx); err != nil {
		return fail(err)
	}
	if cfg.ConnectorsFile != "" {
		if err := applyDesired(e.controller, cfg.ConnectorsFile); err != nil {
			return fail(fmt.Errorf("connectors file: %w", err))
		}
	}

	// 4. control server
	if e.server, err = transport.StartServer(cfg.GRPCPort, e.controller, cfg.WorkerID); err != nil {
		return fail(fmt.Errorf("transport: %w", err))
	}

	// 5. metrics
	if cfg.MetricsPort > 0 {
		telemetry.Expose(cfg.MetricsPort)
	}

	logging.L().Info("engine bootstrapped", "grpc_port", cfg.GRPCPort, "leader", cfg.Leader)
	return e, nil
}

// applyDesired registers every connector of the file whose config differs
// from what the controller already holds. A failed reconcile is only logged;
// the controller loop retries it.
func applyDesired(c *controller.Controller, path string) error {
	f, err := config.LoadDesiredState(path)
	if err != nil {
		return err
	}
	current := c.Connectors()
	for _, spec := range f.Connectors {
		if cur, ok := current[spec.Name]; ok && sameConfig(cur, spec.Config) {
			continue
		}
		if err := c.PutConnector(spec.Name, spec.Config); err != nil {
			logging.L().Warn("engine: apply connector", "connector", spec.Name, "err", err)
		}
	}
	return nil
}

func sameConfig(a, b connect.ConnectorConfig) bool {
	return a.With(connect.UpdateTimestamp, "").Equal(b.With(connect.UpdateTimestamp, ""))
}
