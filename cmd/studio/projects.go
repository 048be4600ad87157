package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tesslate/studio/pkg/client"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		projects, err := c.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tNAME\tSTATE\tTEMPLATE\tLAST ACTIVITY")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.Slug, p.Name, projectState(p), p.Template,
				p.LastActivityAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a project and build its environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		template, _ := cmd.Flags().GetString("template")
		follow, _ := cmd.Flags().GetBool("follow")

		ctx, cancel := signalContext(cmd)
		defer cancel()

		c := apiClient(cmd)
		result, err := c.CreateProject(ctx, args[0], template)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Project created: %s (id %s)\n", result.Project.Slug, result.Project.ID)
		fmt.Printf("  Environment task: %s\n", result.Task.ID)

		if !follow {
			return nil
		}
		return followTask(ctx, c, result.Task.ID)
	},
}

var projectsGetCmd = &cobra.Command{
	Use:   "get SLUG",
	Short: "Show one project and its containers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		ctx := cmd.Context()

		p, err := c.GetProject(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Name:          %s\n", p.Name)
		fmt.Printf("Slug:          %s\n", p.Slug)
		fmt.Printf("State:         %s\n", projectState(p))
		fmt.Printf("Template:      %s\n", p.Template)
		fmt.Printf("Mode:          %s\n", p.DeploymentMode)
		fmt.Printf("Created:       %s\n", p.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("Last activity: %s\n", p.LastActivityAt.Local().Format("2006-01-02 15:04:05"))
		if p.Error != "" {
			fmt.Printf("Error:         %s\n", p.Error)
		}

		containers, err := c.ContainerStatus(ctx, args[0])
		if err != nil {
			return err
		}
		if len(containers) == 0 {
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DIR\tIMAGE\tDESIRED\tSTATE\tREADY\tHOSTNAME")
		for _, cs := range containers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
				cs.Dir, cs.Image, cs.Desired, cs.State, cs.Ready, cs.Hostname)
		}
		return w.Flush()
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete SLUG",
	Short: "Delete a project and its environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if err := c.DeleteProject(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Project deleted: %s\n", args[0])
		return nil
	},
}

var projectsStartCmd = &cobra.Command{
	Use:   "start SLUG",
	Short: "Start the project's dev containers",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunE((*client.Client).StartDev, "Start"),
}

var projectsStopCmd = &cobra.Command{
	Use:   "stop SLUG",
	Short: "Stop the project's dev containers",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunE((*client.Client).StopDev, "Stop"),
}

var projectsHibernateCmd = &cobra.Command{
	Use:   "hibernate SLUG",
	Short: "Archive the workspace and release the environment",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunE((*client.Client).Hibernate, "Hibernate"),
}

var projectsRestoreCmd = &cobra.Command{
	Use:   "restore SLUG",
	Short: "Rebuild a hibernated environment from its archive",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunE((*client.Client).Restore, "Restore"),
}

// lifecycleRunE wraps one asynchronous lifecycle call: submit, print
// the task id, optionally follow it to completion.
func lifecycleRunE(op func(*client.Client, context.Context, string) (*client.Task, error), verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")

		ctx, cancel := signalContext(cmd)
		defer cancel()

		c := apiClient(cmd)
		task, err := op(c, ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s submitted for %s (task %s)\n", verb, args[0], task.ID)

		if !follow {
			fmt.Printf("  Follow with: studio tasks follow %s\n", task.ID)
			return nil
		}
		return followTask(ctx, c, task.ID)
	}
}

var logsCmd = &cobra.Command{
	Use:   "logs SLUG DIR",
	Short: "Print recent log lines from one container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")

		ctx, cancel := signalContext(cmd)
		defer cancel()

		c := apiClient(cmd)
		return c.Logs(ctx, args[0], args[1], tail, func(line string) error {
			fmt.Println(line)
			return nil
		})
	},
}

func init() {
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsCreateCmd)
	projectsCmd.AddCommand(projectsGetCmd)
	projectsCmd.AddCommand(projectsDeleteCmd)
	projectsCmd.AddCommand(projectsStartCmd)
	projectsCmd.AddCommand(projectsStopCmd)
	projectsCmd.AddCommand(projectsHibernateCmd)
	projectsCmd.AddCommand(projectsRestoreCmd)

	projectsCreateCmd.Flags().String("template", "vite-react", "Starter template")
	for _, c := range []*cobra.Command{projectsCreateCmd, projectsStartCmd, projectsStopCmd, projectsHibernateCmd, projectsRestoreCmd} {
		c.Flags().Bool("follow", false, "Stream task events until it finishes")
	}
	logsCmd.Flags().Int("tail", 200, "Number of lines from the end")

	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(logsCmd)
}

// projectState folds the transition stage into the state for display.
func projectState(p *client.Project) string {
	if p.StateStage != "" {
		return fmt.Sprintf("%s (%s)", p.State, p.StateStage)
	}
	return p.State
}

// signalContext ties the command's context to SIGINT/SIGTERM so a
// Ctrl-C during a follow detaches cleanly.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
