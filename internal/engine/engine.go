package engine

import (
	"context"
	"sync"
	"time"

	"connectd/internal/config"
	"connectd/internal/controller"
	"connectd/internal/logging"
	"connectd/internal/position"
	"connectd/internal/transport"
	"connectd/internal/worker"
)

type Engine struct {
	cfg config.Worker

	positions  *position.PositionManager
	offsets    *position.OffsetManager
	worker     *worker.Worker
	controller *controller.Controller
	server     *transport.Server

	stopOnce sync.Once
}

// Run reconciles and serves the control API until ctx is cancelled, then
// shuts everything down in reverse start order.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go e.controller.Run(ctx, interval)

	go func() {
		<-ctx.Done()
		e.shutdown()
	}()

	err := e.server.Serve()
	e.shutdown()
	return err
}

func (e *Engine) Controller() *controller.Controller { return e.controller }

func (e *Engine) shutdown() {
	e.stopOnce.Do(func() {
		if e.server != nil {
			e.server.Stop()
		}
		if e.controller != nil {
			if err := e.controller.Stop(); err != nil {
				logging.L().Warn("engine: stop controller", "err", err)
			}
		}
		if e.worker != nil {
			e.worker.Stop()
		}
		if e.offsets != nil {
			if err := e.offsets.Stop(); err != nil {
				logging.L().Warn("engine: stop offset service", "err", err)
			}
		}
		if e.positions != nil {
			if err := e.positions.Stop(); err != nil {
				logging.L().Warn("engine: stop position service", "err", err)
			}
		}
		logging.L().Info("engine stopped")
	})
}
