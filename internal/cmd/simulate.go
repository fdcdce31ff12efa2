package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xizzxy/gatekeeper/internal/limiter"
	"github.com/xizzxy/gatekeeper/internal/store"
)

const simulationEpoch = 1_700_000_000

// simulationStart returns the synthetic clock origin. For window policies it
// is aligned to the window length so the first counter window starts at
// offset zero.
func simulationStart(cfg limiter.Config) time.Time {
	start := int64(simulationEpoch)
	if cfg.WindowSeconds > 0 {
		start -= start % cfg.WindowSeconds
	}
	return time.Unix(start, 0).UTC()
}

type simulationStep struct {
	Request  int             `json:"request"`
	Offset   time.Duration   `json:"offset_ns"`
	Decision limiter.Decision `json:"decision"`
}

func newSimulateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a request pattern against a policy on a synthetic clock",
		Long: `simulate evaluates a policy against an in-memory counter store. Request
times are either evenly spaced (--requests, --interval) or listed with --at as
offsets from the start, for example --at 0s,1s,2s,3s,4s,5s,61s.`,
		Args: cobra.NoArgs,
		RunE: runSimulate,
	}

	cmd.Flags().String("algorithm", string(limiter.AlgoTokenBucket), "Algorithm: token_bucket, leaky_bucket, sliding_window_log, sliding_window_counter")
	cmd.Flags().Int64("capacity", 10, "Bucket capacity (bucket algorithms)")
	cmd.Flags().Float64("rate", 1, "Refill or leak rate per second (bucket algorithms)")
	cmd.Flags().Int64("limit", 10, "Requests per window (window algorithms)")
	cmd.Flags().Int64("window", 60, "Window length in seconds (window algorithms)")
	cmd.Flags().Int("requests", 12, "Number of evenly spaced requests")
	cmd.Flags().Duration("interval", 0, "Time between evenly spaced requests")
	cmd.Flags().StringSlice("at", nil, "Explicit request offsets (durations); overrides --requests and --interval")
	cmd.Flags().String("key", "client", "Rate limit key")
	addOutputFlag(cmd)
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	algorithm, _ := flags.GetString("algorithm")
	capacity, _ := flags.GetInt64("capacity")
	rate, _ := flags.GetFloat64("rate")
	limit, _ := flags.GetInt64("limit")
	window, _ := flags.GetInt64("window")
	requests, _ := flags.GetInt("requests")
	interval, _ := flags.GetDuration("interval")
	at, _ := flags.GetStringSlice("at")
	key, _ := flags.GetString("key")

	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}

	cfg := limiter.Config{Algorithm: limiter.Algorithm(algorithm)}
	switch cfg.Algorithm {
	case limiter.AlgoTokenBucket, limiter.AlgoLeakyBucket:
		cfg.Capacity = capacity
		cfg.RatePerSecond = rate
	default:
		cfg.Limit = limit
		cfg.WindowSeconds = window
	}

	offsets, err := requestOffsets(requests, interval, at)
	if err != nil {
		return err
	}

	steps, err := simulate(cmd.Context(), cfg, key, offsets)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == formatJSON {
		return writeJSON(out, steps)
	}
	fmt.Fprintln(out, renderSimulation(cfg, steps))
	return nil
}

func requestOffsets(requests int, interval time.Duration, at []string) ([]time.Duration, error) {
	if len(at) > 0 {
		offsets := make([]time.Duration, 0, len(at))
		var last time.Duration
		for i, raw := range at {
			d, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("invalid offset %q: %w", raw, err)
			}
			if d < 0 {
				return nil, fmt.Errorf("offset %q is negative", raw)
			}
			if i > 0 && d < last {
				return nil, fmt.Errorf("offset %q is earlier than the previous one", raw)
			}
			last = d
			offsets = append(offsets, d)
		}
		return offsets, nil
	}

	if requests <= 0 {
		return nil, errors.New("--requests must be positive")
	}
	if interval < 0 {
		return nil, errors.New("--interval must not be negative")
	}
	offsets := make([]time.Duration, requests)
	for i := range offsets {
		offsets[i] = time.Duration(i) * interval
	}
	return offsets, nil
}

// simulate evaluates one request per offset against a fresh memory store
// whose clock follows the simulated time.
func simulate(ctx context.Context, cfg limiter.Config, key string, offsets []time.Duration) ([]simulationStep, error) {
	start := simulationStart(cfg)
	now := start
	mem, err := store.NewMemory(store.WithClock(func() time.Time { return now }))
	if err != nil {
		return nil, err
	}
	defer mem.Close() //nolint:errcheck

	l, err := limiter.New(cfg, mem, limiter.Options{FailureMode: limiter.FailClosed})
	if err != nil {
		return nil, err
	}

	steps := make([]simulationStep, 0, len(offsets))
	for i, offset := range offsets {
		now = start.Add(offset)
		d, err := l.Evaluate(ctx, key, now)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i+1, err)
		}
		steps = append(steps, simulationStep{Request: i + 1, Offset: offset, Decision: d})
	}
	return steps, nil
}

func renderSimulation(cfg limiter.Config, steps []simulationStep) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(policyTitle(cfg))
	t.AppendHeader(table.Row{"#", "At", "Result", "Remaining", "Reset In", "Retry After"})

	start := simulationStart(cfg)
	allowed := 0
	for _, s := range steps {
		if s.Decision.Allowed {
			allowed++
		}
		at := start.Add(s.Offset)
		t.AppendRow(table.Row{
			s.Request,
			s.Offset.String(),
			allowedLabel(s.Decision),
			s.Decision.Remaining,
			s.Decision.ResetAt.Sub(at).String(),
			retryLabel(s.Decision),
		})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d allowed", allowed, len(steps)), "", "", ""})
	return t.Render()
}

func policyTitle(cfg limiter.Config) string {
	switch cfg.Algorithm {
	case limiter.AlgoTokenBucket, limiter.AlgoLeakyBucket:
		return fmt.Sprintf("%s capacity=%d rate=%g/s", cfg.Algorithm, cfg.Capacity, cfg.RatePerSecond)
	default:
		return fmt.Sprintf("%s limit=%d window=%ds", cfg.Algorithm, cfg.Limit, cfg.WindowSeconds)
	}
}
