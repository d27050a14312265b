// Package testutils holds shared test scaffolding: a debug logger, text and
// JSON diff assertions, and a recording stand-in for script callbacks.
package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // trace bridge activity in failing runs
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}
