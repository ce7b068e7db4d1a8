package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wasmlet/wasmlet/pkg/node"
	"github.com/wasmlet/wasmlet/pkg/observability"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

// inspectReport is what `wasmlet inspect` prints: the resources the node
// would advertise and whether the wasm runtime can come up on this machine.
type inspectReport struct {
	NodeName      string `json:"nodeName" yaml:"nodeName"`
	OS            string `json:"os" yaml:"os"`
	HostArch      string `json:"hostArch" yaml:"hostArch"`
	NodeArch      string `json:"nodeArch" yaml:"nodeArch"`
	CPUCores      int    `json:"cpuCores" yaml:"cpuCores"`
	CPUMillicores int64  `json:"cpuMillicores" yaml:"cpuMillicores"`
	MemoryBytes   uint64 `json:"memoryBytes" yaml:"memoryBytes"`
	DiskBytes     uint64 `json:"diskBytes" yaml:"diskBytes"`
	DataDir       string `json:"dataDir" yaml:"dataDir"`
	Runtime       string `json:"runtime" yaml:"runtime"`
	RuntimeReady  bool   `json:"runtimeReady" yaml:"runtimeReady"`
	RuntimeError  string `json:"runtimeError,omitempty" yaml:"runtimeError,omitempty"`
}

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect node resources and runtime readiness",
		Long:  "Report the resources this machine would advertise as a node and whether the wasm runtime can start here",
		RunE:  runInspect,
	}

	cmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")

	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	logger, err := observability.NewLogger("warn")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	nodeName, err := resolveNodeName()
	if err != nil {
		return err
	}
	dataDir := viper.GetString("data_dir")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	monitor, err := node.NewMonitor(node.MonitorConfig{DiskPath: dataDir}, logger)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to sample resources: %w", err)
	}
	snap := monitor.Snapshot()
	if err := monitor.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop monitor: %w", err)
	}

	report := inspectReport{
		NodeName:      nodeName,
		OS:            runtime.GOOS,
		HostArch:      runtime.GOARCH,
		NodeArch:      node.WasmArch,
		CPUCores:      snap.CPUCores,
		CPUMillicores: snap.CPUMillicores,
		MemoryBytes:   snap.MemoryTotal,
		DiskBytes:     snap.DiskTotal,
		DataDir:       dataDir,
		Runtime:       "wazero",
	}

	// Bringing the engine up with its real compile cache proves both that
	// the runtime initializes and that the data directory is writable.
	engine, err := wasm.NewWazeroEngine(wasm.Config{
		CacheDir: filepath.Join(dataDir, "compile-cache"),
	}, logger)
	if err != nil {
		report.RuntimeError = err.Error()
	} else {
		report.RuntimeReady = true
		if err := engine.Close(ctx); err != nil {
			logger.Warn("Failed to close wasm engine", zap.Error(err))
		}
	}

	output, _ := cmd.Flags().GetString("output")
	out := NewOutputter(output, os.Stdout)

	if out.Table() {
		printInspectTable(out, report)
		return nil
	}
	return out.Print(report)
}

func printInspectTable(out *Outputter, report inspectReport) {
	ready := "ready"
	if !report.RuntimeReady {
		ready = fmt.Sprintf("not ready (%s)", report.RuntimeError)
	}

	headers := []string{"PROPERTY", "VALUE"}
	rows := [][]string{
		{"Node Name", report.NodeName},
		{"Host OS/Arch", fmt.Sprintf("%s/%s", report.OS, report.HostArch)},
		{"Node Arch", report.NodeArch},
		{"CPU", fmt.Sprintf("%d cores (%dm)", report.CPUCores, report.CPUMillicores)},
		{"Memory", fmt.Sprintf("%dMi", report.MemoryBytes/(1024*1024))},
		{"Disk", fmt.Sprintf("%dGi", report.DiskBytes/(1024*1024*1024))},
		{"Data Dir", report.DataDir},
		{"Runtime", fmt.Sprintf("%s (%s)", report.Runtime, ready)},
	}

	out.PrintTable(headers, rows)
}
