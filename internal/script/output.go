package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blip/internal/groutine"
)

// MaxCollectorSize guards against accidental misconfiguration.
const MaxCollectorSize uint32 = 1024 * 1024

var ErrCollectorRunning = errors.New("collector is already running")

// OutputCollector copies records from an output channel into an
// overwrite-oldest ring so tests and the check command can inspect what a
// script printed.
type OutputCollector struct {
	source  <-chan OutputRecord
	buffer  mpmc.RichOverlappedRingBuffer[OutputRecord]
	onError func(error)

	running   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	collected atomic.Int64
	dropped   atomic.Int64
}

// NewOutputCollector creates a collector holding up to size records.
// onError receives ring buffer failures; nil means they are ignored.
func NewOutputCollector(source <-chan OutputRecord, size uint32, onError func(error)) (*OutputCollector, error) {
	if source == nil {
		return nil, fmt.Errorf("output channel cannot be nil")
	}
	if size == 0 || size > MaxCollectorSize {
		return nil, fmt.Errorf("collector size %d out of range 1..%d", size, MaxCollectorSize)
	}
	if onError == nil {
		onError = func(error) {}
	}

	return &OutputCollector{
		source:  source,
		buffer:  mpmc.NewOverlappedRingBuffer[OutputRecord](size),
		onError: onError,
	}, nil
}

// Start begins copying records in the background.
func (c *OutputCollector) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrCollectorRunning
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-stop:
				c.drainPending()
				return
			case rec, ok := <-c.source:
				if !ok {
					return
				}
				c.store(rec)
			}
		}
	}(c.stop, c.done)

	return nil
}

func (c *OutputCollector) store(rec OutputRecord) {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		c.onError(fmt.Errorf("output ring enqueue: %w", err))
		return
	}
	c.collected.Add(1)
	c.dropped.Add(int64(overwrites))
}

// drainPending moves records already sitting in the channel into the ring,
// so a Stop right after a script call does not lose its output.
func (c *OutputCollector) drainPending() {
	for {
		select {
		case rec, ok := <-c.source:
			if !ok {
				return
			}
			c.store(rec)
		default:
			return
		}
	}
}

// Stop halts collection and waits for the background goroutine.
func (c *OutputCollector) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stop)
	<-c.done
}

// Records dequeues everything collected so far.
func (c *OutputCollector) Records() ([]OutputRecord, error) {
	var out []OutputRecord
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			return out, fmt.Errorf("output ring dequeue: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Text dequeues everything collected so far as one string.
func (c *OutputCollector) Text() (string, error) {
	recs, err := c.Records()
	var sb strings.Builder
	for _, r := range recs {
		sb.WriteString(r.Content)
	}
	return sb.String(), err
}

// Counts returns collected and overwritten record totals.
func (c *OutputCollector) Counts() (collected, dropped int64) {
	return c.collected.Load(), c.dropped.Load()
}

// OutputDrainer forwards script output to stdout/stderr writers until
// cancelled, then flushes whatever is already buffered.
type OutputDrainer struct {
	cancelOnce sync.Once
	stop       chan struct{}
	done       <-chan struct{}
}

const drainGrace = 100 * time.Millisecond

func NewOutputDrainer(ctx context.Context, source <-chan OutputRecord, logger *logrus.Logger, stdout, stderr io.Writer) *OutputDrainer {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	d := &OutputDrainer{stop: make(chan struct{})}

	write := func(rec OutputRecord) {
		w := stdout
		if rec.Source == StreamStderr {
			w = stderr
		}
		if _, err := io.WriteString(w, rec.Content); err != nil {
			logger.WithError(err).WithField("source", rec.Source).Warn("Output drainer: write failed")
		}
	}

	d.done = groutine.Spawn(ctx, "script-output-drainer", logger, func(ctx context.Context) {
		defer logger.Debugf("%s: exiting", groutine.Name(ctx))

		for {
			select {
			case rec, ok := <-source:
				if !ok {
					return
				}
				write(rec)
			case <-d.stop:
				flushWithin(source, write, drainGrace)
				return
			case <-ctx.Done():
				flushWithin(source, write, drainGrace)
				return
			}
		}
	})

	return d
}

func flushWithin(source <-chan OutputRecord, write func(OutputRecord), grace time.Duration) {
	deadline := time.After(grace)
	for {
		select {
		case rec, ok := <-source:
			if !ok {
				return
			}
			write(rec)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// Cancel asks the drainer to flush and exit.
func (d *OutputDrainer) Cancel() {
	d.cancelOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the drainer goroutine has exited.
func (d *OutputDrainer) Wait() {
	<-d.done
}
