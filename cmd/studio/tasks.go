package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tesslate/studio/pkg/client"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and control background tasks",
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a task's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		task, err := c.TaskStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTask(task)
		return nil
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Request cancellation of a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		task, err := c.CancelTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Cancellation requested for task %s\n", task.ID)
		return nil
	},
}

var tasksFollowCmd = &cobra.Command{
	Use:   "follow ID",
	Short: "Stream a task's events until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		return followTask(ctx, apiClient(cmd), args[0])
	},
}

func init() {
	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksFollowCmd)

	rootCmd.AddCommand(tasksCmd)
}

func printTask(t *client.Task) {
	fmt.Printf("Task:     %s\n", t.ID)
	fmt.Printf("Kind:     %s\n", t.Kind)
	if t.ProjectID != "" {
		fmt.Printf("Project:  %s\n", t.ProjectID)
	}
	fmt.Printf("Status:   %s\n", t.Status)
	if t.Reason != "" {
		fmt.Printf("Reason:   %s\n", t.Reason)
	}
	if t.Error != "" {
		fmt.Printf("Error:    %s\n", t.Error)
	}
	fmt.Printf("Created:  %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:  %s\n", t.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.FinishedAt != nil {
		fmt.Printf("Finished: %s\n", t.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
}

// followTask streams events to stdout, then reports the final status
// as the command's result so failures set the exit code.
func followTask(ctx context.Context, c *client.Client, id string) error {
	if err := c.FollowTask(ctx, id, printEvent); err != nil {
		if ctx.Err() != nil {
			// Detached by Ctrl-C; the task keeps running server-side.
			fmt.Printf("\nDetached from task %s\n", id)
			return nil
		}
		return err
	}

	task, err := c.TaskStatus(ctx, id)
	if err != nil {
		return err
	}
	switch task.Status {
	case "failed":
		return fmt.Errorf("task %s failed: %s", id, task.Error)
	case "cancelled":
		return fmt.Errorf("task %s was cancelled", id)
	}
	return nil
}

// printEvent renders one event. Token deltas are dropped; they are
// chat UI material, not terminal output.
func printEvent(e *client.TaskEvent) error {
	switch e.Type {
	case "raw_token":
		return nil
	case "complete":
		fmt.Printf("✓ %s\n", eventText(e))
	case "error":
		fmt.Printf("✗ %s\n", eventText(e))
	default:
		fmt.Printf("  [%s] %s\n", e.Type, eventText(e))
	}
	return nil
}

func eventText(e *client.TaskEvent) string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Data) == 0 {
		return e.Type
	}
	pairs := make([]string, 0, len(e.Data))
	for k, v := range e.Data {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}
