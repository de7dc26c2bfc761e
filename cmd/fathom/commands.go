package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var ctx = context.Background()

// --- project ---

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage research projects",
}

var projectNewCmd = &cobra.Command{
	Use:   "new <title>",
	Short: "Create a new research project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(ctx, "/projects", map[string]string{"title": args[0]})
		if err != nil {
			return err
		}

		var project struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &project); err != nil {
			return err
		}

		printSuccess("Created project %s", project.ID)
		printStatus("Title", "%s", project.Title)
		printStatus("Status", "%s", project.Status)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(ctx, "/projects")
		if err != nil {
			return err
		}

		var projects []struct {
			ID     string `json:"id"`
			Title  string `json:"title"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &projects); err != nil {
			return err
		}

		if len(projects) == 0 {
			fmt.Println("no projects")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("%s  %-10s  %s\n", p.ID, p.Status, p.Title)
		}
		return nil
	},
}

// --- plan ---

var planCmd = &cobra.Command{
	Use:   "plan <project-id>",
	Short: "Generate a new draft plan version for a project",
	Long: `Generate a new draft plan version for a project.

The research scope is derived from the provided content: first line becomes
the topic, question-marked lines become research questions.

Examples:
  fathom plan 5f3a... --text "Rust async runtimes
  - How does tokio schedule tasks?
  - How does io_uring change the picture?"
  cat notes.md | fathom plan 5f3a...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		if text == "" {
			data, err := os.ReadFile("/dev/stdin")
			if err != nil || len(data) == 0 {
				return fmt.Errorf("--text or stdin content is required")
			}
			text = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(ctx, "/projects/"+args[0]+"/plans", map[string]string{"content": text})
		if err != nil {
			return err
		}

		var plan struct {
			Version  int    `json:"version"`
			Status   string `json:"status"`
			Markdown string `json:"markdown"`
		}
		if err := decodeJSON(resp, &plan); err != nil {
			return err
		}

		printSuccess("Created plan version %d (%s)", plan.Version, plan.Status)
		fmt.Println()
		fmt.Println(plan.Markdown)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <project-id>",
	Short: "Approve the project's latest draft plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(ctx, "/projects/"+args[0]+"/plans/approve", nil)
		if err != nil {
			return err
		}

		var plan struct {
			Version int    `json:"version"`
			Status  string `json:"status"`
		}
		if err := decodeJSON(resp, &plan); err != nil {
			return err
		}

		printSuccess("Approved plan version %d", plan.Version)
		return nil
	},
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <project-id>",
	Short: "Start a research run against the approved plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(ctx, "/projects/"+args[0]+"/runs", nil)
		if err != nil {
			return err
		}

		var run struct {
			ID          string `json:"id"`
			Status      string `json:"status"`
			PlanVersion int    `json:"plan_version"`
		}
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		printSuccess("Started run %s (plan version %d)", run.ID, run.PlanVersion)
		printStatus("Status", "%s", run.Status)
		fmt.Fprintf(os.Stderr, "  follow progress with: fathom watch %s\n", run.ID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(ctx, "/runs/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var run struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}

		printSuccess("Run is %s", run.Status)
		return nil
	},
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "List a run's progress events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt("after")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(ctx, fmt.Sprintf("/runs/%s/events?after=%d", args[0], after))
		if err != nil {
			return err
		}

		var events []struct {
			Seq     int64  `json:"seq"`
			Stage   string `json:"stage"`
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}

		for _, ev := range events {
			printEvent(ev.Seq, ev.Stage, ev.Level, ev.Message)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow a run's progress live (replay then tail)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.stream(ctx, "/runs/"+args[0]+"/stream")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		return tailSSE(resp.Body)
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <run-id>",
	Short: "Show a run's final report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(ctx, "/runs/"+args[0]+"/result")
		if err != nil {
			return err
		}

		var result struct {
			Run struct {
				Status string  `json:"status"`
				Error  *string `json:"error"`
			} `json:"run"`
			Artifact *string `json:"artifact"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Artifact == nil {
			printWarning("No report yet (run is %s)", result.Run.Status)
			if result.Run.Error != nil {
				printError("%s", *result.Run.Error)
			}
			return nil
		}
		fmt.Println(*result.Artifact)
		return nil
	},
}

// tailSSE prints run events from an SSE stream until the server sends a
// done/error event or the stream closes.
func tailSSE(body interface{ Read([]byte) (int, error) }) error {
	var eventType string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch eventType {
			case "event":
				var ev struct {
					Seq     int64  `json:"seq"`
					Stage   string `json:"stage"`
					Level   string `json:"level"`
					Message string `json:"message"`
				}
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					printEvent(ev.Seq, ev.Stage, ev.Level, ev.Message)
				}
			case "done":
				var done struct {
					Status string  `json:"status"`
					Error  *string `json:"error"`
				}
				if err := json.Unmarshal([]byte(data), &done); err == nil {
					if done.Error != nil {
						printError("Run %s: %s", done.Status, *done.Error)
					} else {
						printSuccess("Run %s", done.Status)
					}
				}
				return nil
			case "error":
				return fmt.Errorf("stream error: %s", data)
			}
		}
	}
	return scanner.Err()
}

func printEvent(seq int64, stage, level, message string) {
	color := colorCyan
	switch level {
	case "warning":
		color = colorYellow
	case "error":
		color = colorRed
	}
	fmt.Printf("%4d  %s  %s\n", seq, colorize(color, fmt.Sprintf("%-12s", stage)), message)
}

func init() {
	projectCmd.AddCommand(projectNewCmd)
	projectCmd.AddCommand(projectListCmd)

	planCmd.Flags().String("text", "", "conversation content to derive the scope from")
	eventsCmd.Flags().Int("after", 0, "only show events after this sequence number")
}
