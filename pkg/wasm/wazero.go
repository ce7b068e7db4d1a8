package wasm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wasmlet/wasmlet/pkg/observability"
)

// Config contains settings for the wazero engine.
type Config struct {
	// MemoryLimitPages is the default linear memory cap in 64 KiB pages
	// for modules that do not set their own limit.
	MemoryLimitPages uint32

	// CacheDir persists compiled machine code across runs and restarts.
	// Empty disables the compilation cache.
	CacheDir string
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.MemoryLimitPages == 0 {
		// 64 MiB
		c.MemoryLimitPages = 1024
	}
	return nil
}

// WazeroEngine implements Engine on the wazero runtime. Each Run gets its
// own runtime instance so per-pod memory limits and teardown stay isolated;
// the compilation cache is shared across runs.
type WazeroEngine struct {
	config Config
	logger *zap.Logger
	cache  wazero.CompilationCache
}

// NewWazeroEngine creates a wazero-backed engine.
func NewWazeroEngine(config Config, logger *zap.Logger) (*WazeroEngine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &WazeroEngine{
		config: config,
		logger: logger,
	}

	if config.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache: %w", err)
		}
		e.cache = cache
	}

	logger.Info("Initialized wasm engine",
		zap.String("engine", e.Name()),
		zap.Uint32("memory_limit_pages", config.MemoryLimitPages),
		zap.String("cache_dir", config.CacheDir),
	)

	return e, nil
}

// Name returns the engine identifier.
func (e *WazeroEngine) Name() string {
	return "wazero"
}

// Close releases the compilation cache.
func (e *WazeroEngine) Close(ctx context.Context) error {
	if e.cache != nil {
		return e.cache.Close(ctx)
	}
	return nil
}

// Run executes a WASI command module until its start function returns,
// calls proc_exit, traps, or the context stops it.
func (e *WazeroEngine) Run(ctx context.Context, module []byte, config ExecConfig) (Result, error) {
	started := time.Now()

	limit := config.MemoryLimitPages
	if limit == 0 {
		limit = e.config.MemoryLimitPages
	}

	if config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Deadline)
		defer cancel()
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limit)
	if e.cache != nil {
		runtimeConfig = runtimeConfig.WithCompilationCache(e.cache)
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return Result{}, fmt.Errorf("failed to instantiate WASI host module: %w", err)
	}

	compileStart := time.Now()
	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		return Result{}, fmt.Errorf("failed to compile module: %w", err)
	}
	observability.ModuleCompileDurationSeconds.Observe(time.Since(compileStart).Seconds())

	moduleConfig := wazero.NewModuleConfig().
		WithName(config.ModuleName).
		WithArgs(append([]string{config.ModuleName}, config.Args...)...).
		WithFSConfig(e.buildFSConfig(config.Mounts)).
		// wazero defaults to fake clocks and deterministic randomness;
		// workloads expect the real thing
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)

	if config.Stdout != nil {
		moduleConfig = moduleConfig.WithStdout(config.Stdout)
	}
	if config.Stderr != nil {
		moduleConfig = moduleConfig.WithStderr(config.Stderr)
	}
	for _, key := range sortedKeys(config.Env) {
		moduleConfig = moduleConfig.WithEnv(key, config.Env[key])
	}

	e.logger.Debug("Starting module",
		zap.String("module", config.ModuleName),
		zap.Uint32("memory_limit_pages", limit),
		zap.Duration("deadline", config.Deadline),
	)
	observability.ModulesRunning.Inc()
	defer observability.ModulesRunning.Dec()

	instance, err := runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if instance != nil {
		defer instance.Close(context.Background())
	}

	result := e.classify(ctx, err)
	result.StartedAt = started
	result.FinishedAt = time.Now()

	observability.ModuleExecutionDurationSeconds.Observe(result.FinishedAt.Sub(started).Seconds())
	observability.ModuleExecutionsTotal.WithLabelValues(executionOutcome(result)).Inc()

	e.logger.Debug("Module stopped",
		zap.String("module", config.ModuleName),
		zap.Uint32("exit_code", result.ExitCode),
		zap.String("trap", string(result.Trap)),
		zap.Duration("duration", result.FinishedAt.Sub(started)),
	)

	return result, nil
}

// classify turns the instantiation error into a Result. Older and newer
// wazero versions disagree on whether a clean proc_exit(0) surfaces as a
// nil error or an ExitError with code zero, so both are handled.
func (e *WazeroEngine) classify(ctx context.Context, err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeContextCanceled:
			return Result{Trap: TrapCancelled, Message: "execution cancelled"}
		case sys.ExitCodeDeadlineExceeded:
			return Result{Trap: TrapDeadline, Message: "execution deadline exceeded"}
		default:
			return Result{ExitCode: exitErr.ExitCode()}
		}
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Trap: TrapDeadline, Message: "execution deadline exceeded"}
	case errors.Is(ctx.Err(), context.Canceled):
		return Result{Trap: TrapCancelled, Message: "execution cancelled"}
	}

	return Result{Trap: TrapAbort, Message: faultMessage(err)}
}

func (e *WazeroEngine) buildFSConfig(mounts []Mount) wazero.FSConfig {
	fsConfig := wazero.NewFSConfig()
	for _, m := range mounts {
		if m.ReadOnly {
			fsConfig = fsConfig.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
		} else {
			fsConfig = fsConfig.WithDirMount(m.HostPath, m.GuestPath)
		}
	}
	return fsConfig
}

// faultMessage keeps the first line of a trap error; wazero appends a full
// wasm stack trace that does not belong in a pod status message.
func faultMessage(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx > 0 {
		msg = msg[:idx]
	}
	return msg
}

func executionOutcome(result Result) string {
	switch result.Trap {
	case TrapAbort:
		return "trap"
	case TrapDeadline:
		return "deadline"
	case TrapCancelled:
		return "cancelled"
	}
	if result.ExitCode != 0 {
		return "error"
	}
	return "completed"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
