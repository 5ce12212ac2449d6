// Package shutdown stops the worker in a fixed order on a termination signal
// or when the processing loop exits on its own.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Signals the coordinator reacts to
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM}

// QueueCloser closes the queue connections. CloseConsumer must interrupt a
// blocking pop without affecting writes.
type QueueCloser interface {
	CloseConsumer() error
	Close() error
}

type CleanupWaiter interface {
	WaitCleanup(timeout time.Duration) bool
}

type EngineCloser interface {
	CloseAll()
}

type Config struct {
	// Cancel stops the processing loop
	Cancel context.CancelFunc
	// LoopDone is closed when the processing loop has returned
	LoopDone    <-chan struct{}
	Queue       QueueCloser
	Cleanups    CleanupWaiter
	Engines     EngineCloser
	CleanupWait time.Duration
	// Hooks run after the engines are closed, before the queue is closed
	Hooks []func(ctx context.Context) error
	// BeforeShutdown runs first, e.g. to raise the log level
	BeforeShutdown func()
	Logger         *zap.Logger
}

// Coordinator runs the shutdown sequence exactly once
type Coordinator struct {
	cfg     Config
	signals chan os.Signal

	once     sync.Once
	exitCode int
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Cancel == nil {
		return nil, fmt.Errorf("cancel func is required")
	}
	if cfg.LoopDone == nil {
		return nil, fmt.Errorf("loop done channel is required")
	}
	if cfg.Queue == nil || cfg.Cleanups == nil || cfg.Engines == nil {
		return nil, fmt.Errorf("queue, cleanups and engines are required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Coordinator{
		cfg:     cfg,
		signals: make(chan os.Signal, 1),
	}, nil
}

// Notify subscribes the coordinator to the process signals
func (c *Coordinator) Notify() {
	signal.Notify(c.signals, Signals...)
}

// SignalChannel exposes the signal channel so signals can be injected
func (c *Coordinator) SignalChannel() chan<- os.Signal {
	return c.signals
}

// Wait blocks until a signal arrives or the loop exits, shuts down, and returns
// the process exit status: the signal number, or 0 when the loop ended by itself.
func (c *Coordinator) Wait() int {
	select {
	case sig := <-c.signals:
		go c.ignoreRepeated()
		return c.Shutdown(sig)
	case <-c.cfg.LoopDone:
		return c.Shutdown(nil)
	}
}

func (c *Coordinator) ignoreRepeated() {
	for sig := range c.signals {
		c.cfg.Logger.Info("Already shutting down, ignoring signal", zap.String("signal", sig.String()))
	}
}

// Shutdown runs the sequence once; later calls return the first exit code.
// sig is nil for a normal exit.
func (c *Coordinator) Shutdown(sig os.Signal) int {
	c.once.Do(func() {
		c.exitCode = ExitCode(sig)
		c.run(sig)
	})
	return c.exitCode
}

func (c *Coordinator) run(sig os.Signal) {
	if c.cfg.BeforeShutdown != nil {
		c.cfg.BeforeShutdown()
	}
	logger := c.cfg.Logger

	if sig != nil {
		logger.Info("Exiting process due to signal", zap.String("signal", sig.String()))
	} else {
		logger.Info("Processing loop exited, shutting down")
	}

	c.cfg.Cancel()

	if err := c.cfg.Queue.CloseConsumer(); err != nil {
		logger.Warn("Failed to close queue consumer", zap.Error(err))
	}

	logger.Info("Waiting for the current job to finish")
	<-c.cfg.LoopDone

	if !c.cfg.Cleanups.WaitCleanup(c.cfg.CleanupWait) {
		logger.Warn("Page cleanups still running, continuing shutdown",
			zap.Duration("waited", c.cfg.CleanupWait))
	}

	c.cfg.Engines.CloseAll()

	for _, hook := range c.cfg.Hooks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := hook(ctx); err != nil {
			logger.Error("Shutdown hook failed", zap.Error(err))
		}
		cancel()
	}

	if err := c.cfg.Queue.Close(); err != nil {
		logger.Error("Failed to close queue", zap.Error(err))
	}

	logger.Info("Scrape worker stopped", zap.Int("exit_code", c.exitCode))
	_ = logger.Sync()
}

// ExitCode maps a signal to its number, used as the exit status
func ExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 0
}
