package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"argus/internal/analysis"
	"argus/internal/logging"
	"argus/internal/normalize"
	"argus/internal/replica"
)

func newReplicaCmd() *cobra.Command {
	var (
		kind     string
		addr     string
		appsRoot string
		llmBase  string
		llmModel string
	)

	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Run one analyzer replica serving a single analysis kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := analysis.ParseKind(kind)
			if err != nil {
				return err
			}
			if parsed == analysis.KindComprehensive {
				return fmt.Errorf("comprehensive fans out on the orchestrator; replicas serve concrete kinds")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := logging.NewComponentLogger("replica")
			registry := normalize.NewRegistry(logger)

			var reviewer *replica.Reviewer
			if parsed == analysis.KindAI {
				if llmBase == "" {
					return fmt.Errorf("--llm-base-url is required for ai replicas")
				}
				client := replica.NewOpenAIClient(llmBase, os.Getenv("LLM_API_KEY"), llmModel, logger)
				reviewer = replica.NewReviewer(client, registry, logger)
			}

			runner := replica.NewToolRunner(replica.ExecRunner{}, registry, reviewer, appsRoot, logger)
			worker := replica.NewWorker(runner, logger)
			return replica.NewServer(worker, string(parsed), logger).Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "analysis kind this replica serves (static, dynamic, performance, ai, security)")
	cmd.Flags().StringVar(&addr, "addr", ":8001", "listen address")
	cmd.Flags().StringVar(&appsRoot, "apps-root", "apps", "root directory holding generated applications")
	cmd.Flags().StringVar(&llmBase, "llm-base-url", "", "OpenAI-compatible base URL for ai review")
	cmd.Flags().StringVar(&llmModel, "llm-model", "gpt-4o", "model name for ai review")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}
