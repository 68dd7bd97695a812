package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobmon-hpc/jobmon/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// usageError exits 2; everything else exits 1.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "jobmon",
	Short: "jobmon - workflow orchestration for HPC clusters",
	Long: `jobmon tracks scientific workflows as DAGs of tasks, submits them to
cluster schedulers through distributors, and retries failures with
automatic resource scaling.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	serverAddr string
	username   string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jobmon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", envOr("JOBMON_SERVER", "http://localhost:8070"), "jobmon server address")
	rootCmd.PersistentFlags().StringVar(&username, "user", envOr("USER", ""), "username sent to the server")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(taskCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() *client.Client {
	return client.New(serverAddr, username)
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, usagef("invalid %s %q", what, arg)
	}
	return id, nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// Workflow commands
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and control workflows",
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status WORKFLOW_ID",
	Short: "Show the workflow status roll-up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wfID, err := parseID(args[0], "workflow id")
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		st, err := newClient().GetWorkflowStatus(ctx, wfID)
		if err != nil {
			return err
		}
		fmt.Printf("Workflow %d: %s\n", st.WorkflowID, st.Status)
		fmt.Printf("  Total tasks: %d\n", st.TotalTasks)
		for _, code := range []string{"G", "Q", "I", "O", "R", "D", "E", "A", "F"} {
			if n := st.TaskCounts[code]; n > 0 {
				fmt.Printf("  %s: %d\n", code, n)
			}
		}
		return nil
	},
}

var workflowTasksCmd = &cobra.Command{
	Use:   "tasks WORKFLOW_ID",
	Short: "List workflow tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wfID, err := parseID(args[0], "workflow id")
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		ctx, cancel := cmdContext()
		defer cancel()

		tasks, err := newClient().ListWorkflowTasks(ctx, wfID, status)
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %-8s %-10s %s\n", "TASK_ID", "STATUS", "ATTEMPTS", "NAME")
		for _, t := range tasks {
			fmt.Printf("%-10d %-8s %d/%-8d %s\n", t.TaskID, t.Status, t.NumAttempts, t.MaxAttempts, t.Name)
		}
		return nil
	},
}

var workflowFatalCmd = &cobra.Command{
	Use:   "fatal WORKFLOW_ID",
	Short: "List fatal tasks with their last error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wfID, err := parseID(args[0], "workflow id")
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		rows, err := newClient().ListFatalTasks(ctx, wfID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No fatal tasks.")
			return nil
		}
		for _, r := range rows {
			fmt.Printf("%d  %s\n", r.TaskID, r.Name)
			if r.LastError != "" {
				fmt.Printf("    %s\n", r.LastError)
			}
		}
		return nil
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume WORKFLOW_ID",
	Short: "Prepare the workflow for a new run",
	Long: `Supersedes the current run and resets failed tasks with a fresh attempt
budget. A hot resume preserves in-flight work; a cold resume kills it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wfID, err := parseID(args[0], "workflow id")
		if err != nil {
			return err
		}
		mode, _ := cmd.Flags().GetString("mode")
		if mode != "hot" && mode != "cold" {
			return usagef("--mode must be hot or cold, got %q", mode)
		}
		ctx, cancel := cmdContext()
		defer cancel()

		if err := newClient().SetResume(ctx, wfID, mode); err != nil {
			return err
		}
		fmt.Printf("Workflow %d prepared for %s resume\n", wfID, mode)
		return nil
	},
}

var workflowResetCmd = &cobra.Command{
	Use:   "reset WORKFLOW_ID",
	Short: "Cold-resume the workflow, killing in-flight work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wfID, err := parseID(args[0], "workflow id")
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		if err := newClient().SetResume(ctx, wfID, "cold"); err != nil {
			return err
		}
		fmt.Printf("Workflow %d reset\n", wfID)
		return nil
	},
}

var workflowConcurrencyCmd = &cobra.Command{
	Use:   "concurrency WORKFLOW_ID",
	Short: "Show or change the workflow concurrency cap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wfID, err := parseID(args[0], "workflow id")
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()
		c := newClient()

		if !cmd.Flags().Changed("set") {
			limit, err := c.GetMaxConcurrentlyRunning(ctx, wfID)
			if err != nil {
				return err
			}
			fmt.Printf("max_concurrently_running: %d\n", limit)
			return nil
		}

		limit, _ := cmd.Flags().GetInt("set")
		if limit < 0 {
			return usagef("--set must be >= 0")
		}
		if cmd.Flags().Changed("array") {
			arrayID, _ := cmd.Flags().GetInt64("array")
			if err := c.UpdateArrayMaxConcurrentlyRunning(ctx, wfID, arrayID, limit); err != nil {
				return err
			}
			fmt.Printf("Array %d cap set to %d\n", arrayID, limit)
			return nil
		}
		if err := c.UpdateMaxConcurrentlyRunning(ctx, wfID, limit); err != nil {
			return err
		}
		fmt.Printf("Workflow %d cap set to %d\n", wfID, limit)
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowCmd.AddCommand(workflowTasksCmd)
	workflowCmd.AddCommand(workflowFatalCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowResetCmd)
	workflowCmd.AddCommand(workflowConcurrencyCmd)

	workflowTasksCmd.Flags().String("status", "", "Filter by single-letter status code")
	workflowResumeCmd.Flags().String("mode", "hot", "Resume mode: hot or cold")
	workflowConcurrencyCmd.Flags().Int("set", 0, "New cap (omit to show the current one)")
	workflowConcurrencyCmd.Flags().Int64("array", 0, "Apply the cap to this array instead of the workflow")
}

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and control individual tasks",
}

var taskUpdateStatusCmd = &cobra.Command{
	Use:   "update-status TASK_ID STATUS",
	Short: "Force a task through a legal status transition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseID(args[0], "task id")
		if err != nil {
			return err
		}
		status := args[1]
		if len(status) != 1 {
			return usagef("status must be a single-letter code, got %q", status)
		}
		ctx, cancel := cmdContext()
		defer cancel()

		if err := newClient().UpdateTaskStatus(ctx, taskID, status); err != nil {
			return err
		}
		fmt.Printf("Task %d -> %s\n", taskID, status)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show a task and its attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseID(args[0], "task id")
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		task, err := newClient().GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		fmt.Printf("Task %d (%s): %s, attempts %d/%d\n",
			task.TaskID, task.Name, task.Status, task.NumAttempts, task.MaxAttempts)
		for _, ti := range task.TaskInstances {
			fmt.Printf("  attempt %d: %s (instance %d)\n", ti.AttemptNumber, ti.Status, ti.TaskInstanceID)
		}
		return nil
	},
}

var taskFilepathsCmd = &cobra.Command{
	Use:   "filepaths TASK_ID",
	Short: "Show stdout/stderr paths for every attempt of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseID(args[0], "task id")
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		task, err := newClient().GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		for _, ti := range task.TaskInstances {
			fmt.Printf("attempt %d (%s, instance %d)\n", ti.AttemptNumber, ti.Status, ti.TaskInstanceID)
			if ti.NodeName != "" {
				fmt.Printf("  node:   %s\n", ti.NodeName)
			}
			if ti.StdoutPath != "" {
				fmt.Printf("  stdout: %s\n", ti.StdoutPath)
			}
			if ti.StderrPath != "" {
				fmt.Printf("  stderr: %s\n", ti.StderrPath)
			}
		}
		return nil
	},
}

var taskErrorsCmd = &cobra.Command{
	Use:   "errors TASK_INSTANCE_ID",
	Short: "Show the error log of a task instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tiID, err := parseID(args[0], "task instance id")
		if err != nil {
			return err
		}
		ctx, cancel := cmdContext()
		defer cancel()

		logs, err := newClient().TaskInstanceErrorLogs(ctx, tiID)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Println("No errors recorded.")
			return nil
		}
		for _, entry := range logs {
			fmt.Printf("%s  %s\n", entry.ErrorTime.Format(time.RFC3339), entry.Description)
		}
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskUpdateStatusCmd)
	taskCmd.AddCommand(taskFilepathsCmd)
	taskCmd.AddCommand(taskErrorsCmd)
}
