package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wasmlet/wasmlet/pkg/store"
)

// imageEntry is the serializable form of a cached module.
type imageEntry struct {
	Digest   string    `json:"digest" yaml:"digest"`
	Size     int64     `json:"size" yaml:"size"`
	LastUsed time.Time `json:"lastUsed" yaml:"lastUsed"`
}

func newImagesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List cached wasm modules",
		Long:  "List the modules in the local content-addressed cache with their size and last use",
		RunE:  runImages,
	}

	cmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")

	return cmd
}

func runImages(cmd *cobra.Command, args []string) error {
	moduleDir := filepath.Join(viper.GetString("data_dir"), "modules")

	entries, err := store.ListDir(moduleDir)
	if err != nil {
		return fmt.Errorf("failed to list cached modules: %w", err)
	}

	images := make([]imageEntry, 0, len(entries))
	for _, e := range entries {
		images = append(images, imageEntry{
			Digest:   e.Digest.String(),
			Size:     e.Size,
			LastUsed: e.LastUsed,
		})
	}

	output, _ := cmd.Flags().GetString("output")
	out := NewOutputter(output, os.Stdout)

	if out.Table() {
		printImagesTable(out, images)
		return nil
	}
	return out.Print(images)
}

func printImagesTable(out *Outputter, images []imageEntry) {
	headers := []string{"DIGEST", "SIZE", "AGE"}
	rows := make([][]string, 0, len(images))

	for _, img := range images {
		rows = append(rows, []string{
			img.Digest,
			fmt.Sprintf("%.1fMi", float64(img.Size)/(1024*1024)),
			formatAge(time.Since(img.LastUsed)),
		})
	}

	out.PrintTable(headers, rows)
	fmt.Fprintf(out.writer, "\nTotal: %d modules\n", len(images))
}

// formatAge renders a duration the way kubectl does, with a single coarse
// unit.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
