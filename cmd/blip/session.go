package main

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blip"
	"github.com/srg/blip/internal/callback"
	"github.com/srg/blip/internal/config"
	"github.com/srg/blip/internal/peripheral"
	"github.com/srg/blip/internal/script"
	"github.com/srg/blip/internal/stack"
)

// session is one script bound to one stack: the interpreter, the callback
// queue it drains and the peripheral the ble global talks to.
type session struct {
	logger     *logrus.Logger
	engine     *script.Engine
	queue      *callback.Queue
	peripheral *peripheral.Peripheral
	drainer    *script.OutputDrainer
}

func newSession(ctx context.Context, cfg *config.Config, logger *logrus.Logger, binding stack.Binding, stdout, stderr io.Writer) (*session, error) {
	engine := script.NewEngine(logger, cfg.OutputBuffer)
	queue := callback.NewQueue(logger)
	p := peripheral.New(binding, queue, logger)

	if _, err := peripheral.RegisterAPI(engine, p); err != nil {
		_ = p.Close()
		engine.Close()
		return nil, err
	}

	return &session{
		logger:     logger,
		engine:     engine,
		queue:      queue,
		peripheral: p,
		drainer:    script.NewOutputDrainer(ctx, engine.OutputChannel(), logger, stdout, stderr),
	}, nil
}

// runScript loads and executes the script at path, or the built-in
// example when path is empty. Callbacks it registers run later, when the
// queue is drained.
func (s *session) runScript(ctx context.Context, path string) error {
	var err error
	if path == "" {
		s.logger.Info("Using default peripheral script")
		err = s.engine.LoadScript(blip.DefaultPeripheralScript, "temperature.lua")
	} else {
		s.logger.WithField("file", path).Info("Loading script")
		err = s.engine.LoadScriptFile(path)
	}
	if err != nil {
		return err
	}
	return s.engine.ExecuteScript(ctx)
}

func scriptArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// settle drains the queue until no records are left. Callbacks may queue
// more work, so it gives up after timeout.
func (s *session) settle(timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	total := 0
	for time.Now().Before(deadline) {
		n := s.queue.DrainAll()
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, ErrDrainTimeout
}

// flushOutput stops the output drainer after writing what is buffered.
func (s *session) flushOutput() {
	s.drainer.Cancel()
	s.drainer.Wait()
}

func (s *session) Close() error {
	err := s.peripheral.Close()
	s.engine.Close()
	s.flushOutput()

	m := s.queue.Metrics()
	s.logger.WithFields(logrus.Fields{
		"processed": m.Processed,
		"failed":    m.Failed,
		"dropped":   m.Dropped,
	}).Debug("Session closed")
	return err
}
