package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xizzxy/gatekeeper/internal/gateway"
	"github.com/xizzxy/gatekeeper/internal/limiter"
)

type evaluation struct {
	Resource string           `json:"resource"`
	Key      string           `json:"key"`
	Decision limiter.Decision `json:"decision"`
}

func newEvaluateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <key>",
		Short: "Ask a running gateway for a decision over gRPC",
		Long: `evaluate sends one request to the gateway's gatekeeper.v1.RateLimiter
service. The call counts against the key like any other request.`,
		Args: cobra.ExactArgs(1),
		RunE: runEvaluate,
	}

	cmd.Flags().String("address", "localhost:9080", "Gateway gRPC address")
	cmd.Flags().String("resource", limiter.DefaultResource, "Resource whose policy applies")
	cmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	addOutputFlag(cmd)
	return cmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	address, _ := cmd.Flags().GetString("address")
	resource, _ := cmd.Flags().GetString("resource")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	key := args[0]

	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to dial gateway %s: %w", address, err)
	}
	defer conn.Close() //nolint:errcheck

	d, err := gateway.NewClient(conn).Evaluate(ctx, resource, key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == formatJSON {
		return writeJSON(out, evaluation{Resource: resource, Key: key, Decision: d})
	}
	fmt.Fprintln(out, renderDecision(resource, key, d))
	return nil
}
