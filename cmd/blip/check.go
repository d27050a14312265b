package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blip/internal/gatt"
	"github.com/srg/blip/internal/stack"
	"golang.org/x/term"
)

var checkCmd = &cobra.Command{
	Use:   "check [script.lua]",
	Short: "Load a script against an in-process stack and print its attribute table",
	Long: `Runs the script with a loopback Bluetooth stack that is ready immediately,
drains its callbacks and prints the attribute table it registered.

With --exercise every readable value is read and every notifying
characteristic is subscribed to once, so the script's request handlers run.

Example:
  blip check examples/temperature.lua
  blip check --json peripheral.lua
  blip check --exercise peripheral.lua

Without a script the built-in temperature sensor example is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

var (
	checkJSON     bool
	checkExercise bool
)

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Output the attribute table as JSON")
	checkCmd.Flags().BoolVar(&checkExercise, "exercise", false, "Read and subscribe to every characteristic after the script ran")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	loopback := stack.NewLoopback(logger)

	s, err := newSession(cmd.Context(), cfg, logger, loopback, out, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.WithError(cerr).Warn("Shutdown incomplete")
		}
	}()

	if err := s.runScript(cmd.Context(), scriptArg(args)); err != nil {
		return err
	}
	if _, err := s.settle(cfg.DrainTimeout); err != nil {
		return err
	}

	table := loopback.Table()
	if table == nil {
		s.flushOutput()
		return ErrNoServiceRegistered
	}

	var report bytes.Buffer
	if checkExercise {
		ex := &exerciser{session: s, loopback: loopback, logger: logger, maxValueSize: cfg.MaxValueSize, timeout: cfg.DrainTimeout, out: &report}
		if err := ex.run(table); err != nil {
			return err
		}
	}

	// Script output goes first; the drainer writes to the same stream.
	s.flushOutput()

	if checkJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(table)
	}

	heading := newHeading(out)
	heading("Attribute table (%d entries)", table.Len())
	fmt.Fprint(out, table.Dump())
	if checkExercise {
		heading("Exercise")
		_, err = io.Copy(out, &report)
	}
	return err
}

// newHeading prints bold headings on a terminal and plain ones elsewhere.
func newHeading(w io.Writer) func(format string, args ...any) {
	bold := color.New(color.Bold, color.FgCyan)
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bold.EnableColor()
	} else {
		bold.DisableColor()
	}
	return func(format string, args ...any) {
		_, _ = bold.Fprintf(w, "== "+format+" ==\n", args...)
	}
}

// exerciser plays a client against the loopback stack.
type exerciser struct {
	session      *session
	loopback     *stack.Loopback
	logger       *logrus.Logger
	maxValueSize int
	timeout      time.Duration
	out          io.Writer
}

func (e *exerciser) run(table *gatt.AttributeTable) error {
	for _, g := range table.Groups() {
		ch := g.Characteristic
		name := gatt.FormatUUID(ch.UUID)

		if g.Value.Perm.CanRead() {
			if err := e.read(name, g.Value.Handle); err != nil {
				return err
			}
		}
		if ch.Properties&(ble.CharNotify|ble.CharIndicate) != 0 {
			if err := e.subscribe(name, ch.UUID, g.Value.Handle); err != nil {
				return err
			}
		}
	}
	return nil
}

// read issues two reads: the first queues onReadRequest, the second sees
// the value that callback supplied.
func (e *exerciser) read(name string, handle uint16) error {
	if _, err := e.loopback.Read(handle, 0); err != nil {
		fmt.Fprintf(e.out, "read       %s  error: %v\n", name, err)
		return nil
	}
	if _, err := e.session.settle(e.timeout); err != nil {
		return err
	}

	value, err := e.loopback.Read(handle, 0)
	if err != nil {
		fmt.Fprintf(e.out, "read       %s  error: %v\n", name, err)
		return nil
	}
	fmt.Fprintf(e.out, "read       %s  %s\n", name, formatValue(value))

	// Drain the callback queued by the second read.
	_, err = e.session.settle(e.timeout)
	return err
}

func (e *exerciser) subscribe(name string, u ble.UUID, handle uint16) error {
	if err := e.loopback.Subscribe(u, e.maxValueSize); err != nil {
		fmt.Fprintf(e.out, "subscribe  %s  error: %v\n", name, err)
		return nil
	}
	if _, err := e.session.settle(e.timeout); err != nil {
		return err
	}

	for _, v := range e.loopback.Notifications(handle) {
		fmt.Fprintf(e.out, "notify     %s  %s\n", name, formatValue(v))
	}

	if err := e.loopback.Unsubscribe(u); err != nil {
		e.logger.WithError(err).WithField("characteristic", name).Warn("Unsubscribe failed")
	}
	_, err := e.session.settle(e.timeout)
	return err
}

func formatValue(v []byte) string {
	if len(v) == 0 {
		return "(empty)"
	}
	return fmt.Sprintf("% x  %q", v, v)
}
