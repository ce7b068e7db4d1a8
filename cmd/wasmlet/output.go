package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat selects how inspect and images render their results.
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter renders command results in the selected format.
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

func NewOutputter(format string, w io.Writer) *Outputter {
	return &Outputter{format: OutputFormat(format), writer: w}
}

// Table reports whether the caller should render rows instead of encoding.
func (o *Outputter) Table() bool {
	return o.format == OutputTable
}

// Print encodes data as json or yaml. Table output goes through PrintTable
// instead, since rows are shaped per type.
func (o *Outputter) Print(data any) error {
	switch o.format {
	case OutputJSON:
		enc := json.NewEncoder(o.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputYAML:
		enc := yaml.NewEncoder(o.writer)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", o.format)
	}
}

// PrintTable renders one row per entry under a header line.
func (o *Outputter) PrintTable(headers []string, rows [][]string) {
	table := tablewriter.NewWriter(o.writer)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)

	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
