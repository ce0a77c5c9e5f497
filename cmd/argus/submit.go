package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"argus/internal/analysis"
)

func newSubmitCmd() *cobra.Command {
	var (
		serverURL string
		priority  int
		tools     []string
	)

	cmd := &cobra.Command{
		Use:   "submit <kind> <model> <app-num>",
		Short: "Submit an analysis task to a running orchestrator",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			kind, err := analysis.ParseKind(args[0])
			if err != nil {
				return err
			}
			appNum, err := strconv.Atoi(args[2])
			if err != nil || appNum <= 0 {
				return fmt.Errorf("app-num must be a positive integer, got %q", args[2])
			}

			body, err := json.Marshal(map[string]any{
				"kind":     string(kind),
				"model":    args[1],
				"app_num":  appNum,
				"priority": priority,
				"tools":    tools,
			})
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Post(serverURL+"/api/tasks", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}
			defer resp.Body.Close()

			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("orchestrator rejected task: %s: %s", resp.Status, payload)
			}

			var created struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(payload, &created); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Printf("%s task %s (%s %s/app%d)\n", green("submitted"), bold(created.ID), kind, args[1], appNum)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8090", "orchestrator base URL")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority, higher first")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "restrict the run to these tools")
	return cmd
}
