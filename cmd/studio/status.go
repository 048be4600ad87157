package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and project counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx := cmd.Context()

		health, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("server is not reachable: %w", err)
		}
		fmt.Printf("Server:    %s\n", health.Status)

		ready, err := c.Ready(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Readiness: %s\n", ready.Status)
		names := make([]string, 0, len(ready.Checks))
		for name := range ready.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s: %s\n", name, ready.Checks[name])
		}

		projects, err := c.ListProjects(ctx)
		if err != nil {
			// Auth failures land here; health does not require a token
			return err
		}
		byState := map[string]int{}
		for _, p := range projects {
			byState[p.State]++
		}
		fmt.Printf("Projects:  %d\n", len(projects))
		states := make([]string, 0, len(byState))
		for state := range byState {
			states = append(states, state)
		}
		sort.Strings(states)
		for _, state := range states {
			fmt.Printf("  %s: %d\n", state, byState[state])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
