// Package wasm executes WebAssembly modules compiled against WASI.
package wasm

import (
	"context"
	"io"
	"time"
)

// TrapReason classifies why a module stopped without exiting on its own.
type TrapReason string

const (
	// TrapNone means the module ran to completion and reported an exit code.
	TrapNone TrapReason = ""

	// TrapAbort means the module hit a runtime fault such as an unreachable
	// instruction, an out of bounds access or exhausting its memory limit.
	TrapAbort TrapReason = "abort"

	// TrapDeadline means the module exceeded its execution deadline.
	TrapDeadline TrapReason = "deadline"

	// TrapCancelled means the caller stopped the module.
	TrapCancelled TrapReason = "cancelled"
)

// Mount maps a host directory into the module's WASI filesystem.
type Mount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// ExecConfig describes one module invocation.
type ExecConfig struct {
	// ModuleName becomes argv[0] and names the instance in stack traces.
	ModuleName string

	Args []string
	Env  map[string]string

	Mounts []Mount

	Stdout io.Writer
	Stderr io.Writer

	// Deadline bounds wall clock execution time. Zero means unbounded.
	Deadline time.Duration

	// MemoryLimitPages caps linear memory in 64 KiB pages. Zero uses the
	// engine default.
	MemoryLimitPages uint32
}

// Result reports how a module run ended.
type Result struct {
	// ExitCode is the code passed to proc_exit, or zero when the start
	// function returned normally. Only meaningful when Trap is TrapNone.
	ExitCode uint32

	Trap TrapReason

	// Message carries the fault description for trapped runs.
	Message string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Engine runs WASI command modules to completion.
type Engine interface {
	// Run compiles and executes a module, blocking until it stops. The
	// returned error reports engine failures such as invalid module
	// bytes; module-level outcomes including traps arrive in the Result.
	Run(ctx context.Context, module []byte, config ExecConfig) (Result, error)

	// Name identifies the engine implementation.
	Name() string

	// Close releases engine resources.
	Close(ctx context.Context) error
}
