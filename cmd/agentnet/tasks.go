package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"agentnet/internal/domain"
)

var (
	submitFile    string
	submitWait    bool
	submitTimeout time.Duration
	statusJSON    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task definition (YAML or JSON)",
	Long: `Submit a task definition to a running server.

The definition lists steps with their action, required capabilities and
dependencies. Use "-f -" to read it from stdin.`,
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task and its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "task definition file")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "wait for the task to finish")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "how long --wait waits")
	_ = submitCmd.MarkFlagRequired("file")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw snapshot as JSON")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	def, err := loadDefinition(submitFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	id, err := client.Submit(cmd.Context(), def)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("%s task %s submitted\n", color.GreenString("✓"), id)
	if !submitWait {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), submitTimeout)
	defer cancel()
	snap, err := client.WaitTask(ctx, id, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", id, err)
	}
	printTask(snap)
	return snap.Err()
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	snap, err := client.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printTask(snap)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ok, err := client.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("%s task %s cancelled\n", color.GreenString("✓"), args[0])
	} else {
		fmt.Printf("%s task %s already finished\n", color.YellowString("⚠"), args[0])
	}
	return nil
}

func printTask(snap domain.TaskSnapshot) {
	fmt.Printf("Task %s (%s)\n", snap.TaskID, snap.Name)
	fmt.Printf("  status:   %s\n", colorStatus(string(snap.Status)))
	fmt.Printf("  priority: %s\n", snap.Priority)
	fmt.Printf("  progress: %.0f%%\n", snap.Progress)
	if snap.Cause != domain.CauseNone {
		fmt.Printf("  cause:    %s\n", snap.Cause)
	}
	if snap.FirstError != "" {
		fmt.Printf("  error:    %s\n", snap.FirstError)
	}
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Step", "Action", "Status", "Agent", "Retries", "Depends on", "Error"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, s := range snap.Steps {
		table.Append([]string{
			s.StepID,
			s.Action,
			colorStatus(string(s.Status)),
			firstNonEmpty(s.AssignedAgent, "-"),
			strconv.Itoa(s.RetryCount) + "/" + strconv.Itoa(s.MaxRetries),
			joinOrDash(s.Dependencies),
			truncate(s.Error, 60),
		})
	}
	table.Render()
}

func colorStatus(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "cancelled":
		return color.YellowString(status)
	case "in_progress", "assigned":
		return color.CyanString(status)
	default:
		return status
	}
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	out := items[0]
	for _, item := range items[1:] {
		out += "," + item
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
