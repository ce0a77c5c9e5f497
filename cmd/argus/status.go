package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show queue statistics, or one task when an id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 30 * time.Second}
			if len(args) == 1 {
				return printTask(client, serverURL, args[0])
			}
			return printStats(client, serverURL)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8090", "orchestrator base URL")
	return cmd
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", resp.Status, payload)
	}
	return json.Unmarshal(payload, out)
}

func printStats(client *http.Client, serverURL string) error {
	var stats struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	if err := getJSON(client, serverURL+"/api/tasks/stats", &stats); err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}

	fmt.Printf("%s %d task(s)\n", bold("total:"), stats.Total)
	statuses := make([]string, 0, len(stats.ByStatus))
	for status := range stats.ByStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("  %s %d\n", colorStatus(status), stats.ByStatus[status])
	}

	var endpoints struct {
		Endpoints []struct {
			URL      string `json:"url"`
			Kind     string `json:"kind"`
			State    string `json:"state"`
			Inflight int    `json:"inflight"`
		} `json:"endpoints"`
	}
	if err := getJSON(client, serverURL+"/api/endpoints", &endpoints); err != nil {
		return fmt.Errorf("fetch endpoints: %w", err)
	}
	if len(endpoints.Endpoints) > 0 {
		fmt.Println(bold("endpoints:"))
		for _, ep := range endpoints.Endpoints {
			state := green(ep.State)
			if ep.State == "open" {
				state = red(ep.State)
			} else if ep.State == "half-open" {
				state = yellow(ep.State)
			}
			fmt.Printf("  %-12s %s %s inflight=%d\n", ep.Kind, ep.URL, state, ep.Inflight)
		}
	}
	return nil
}

func printTask(client *http.Client, serverURL, id string) error {
	var task struct {
		ID          string `json:"id"`
		Kind        string `json:"kind"`
		Model       string `json:"model"`
		AppNum      int    `json:"app_num"`
		Status      string `json:"status"`
		Error       string `json:"error"`
		ResultPath  string `json:"result_path"`
		CompletedAt string `json:"completed_at"`
		Subtasks    []struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Status string `json:"status"`
		} `json:"subtasks"`
	}
	if err := getJSON(client, serverURL+"/api/tasks/"+id, &task); err != nil {
		return fmt.Errorf("fetch task: %w", err)
	}

	fmt.Printf("%s %s %s %s/app%d\n", bold(task.ID), colorStatus(task.Status), cyan(task.Kind), task.Model, task.AppNum)
	if task.Error != "" {
		fmt.Printf("  %s %s\n", red("error:"), task.Error)
	}
	if task.ResultPath != "" {
		fmt.Printf("  %s %s\n", gray("results:"), task.ResultPath)
	}
	for _, sub := range task.Subtasks {
		fmt.Printf("  %s %s %s\n", gray(sub.ID), colorStatus(sub.Status), sub.Kind)
	}
	return nil
}

func colorStatus(status string) string {
	switch status {
	case "COMPLETED":
		return green(status)
	case "PARTIAL_SUCCESS":
		return yellow(status)
	case "FAILED", "CANCELLED":
		return red(status)
	case "RUNNING":
		return cyan(status)
	default:
		return gray(status)
	}
}
