package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xizzxy/gatekeeper/internal/limiter"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", formatTable, "Output format: table or json")
}

func resolveOutputFormat(cmd *cobra.Command) (string, error) {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return "", err
	}
	switch format {
	case formatTable, formatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use table or json)", format)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func allowedLabel(d limiter.Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}

func retryLabel(d limiter.Decision) string {
	if d.RetryAfterSeconds == nil {
		return "-"
	}
	return strconv.FormatInt(*d.RetryAfterSeconds, 10) + "s"
}

// renderDecision renders a single gateway answer.
func renderDecision(resource, key string, d limiter.Decision) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Resource", "Key", "Result", "Limit", "Remaining", "Reset At", "Retry After"})
	t.AppendRow(table.Row{
		resource,
		key,
		allowedLabel(d),
		d.Limit,
		d.Remaining,
		d.ResetAt.UTC().Format(time.RFC3339),
		retryLabel(d),
	})
	return t.Render()
}
