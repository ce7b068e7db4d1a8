// Package testutil provides shared helpers for the integration and chaos
// suites.
package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger returns a logger that writes through the test's log output,
// so agent logs interleave with test failures. Warn level keeps a full
// agent run readable.
func NewTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}
