package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"agentnet/internal/domain"
)

var (
	historyStatus string
	historyLimit  int
	historyAgents bool
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show agent utilization, bus metrics and recent task outcomes",
	RunE:  runDashboard,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived tasks from the audit store",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by terminal status (completed, failed, cancelled)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of tasks")
	historyCmd.Flags().BoolVar(&historyAgents, "agents", false, "show per-agent step outcomes instead of tasks")
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	dash, err := client.Dashboard(cmd.Context())
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Println("Agents")
	agents := tablewriter.NewWriter(os.Stdout)
	agents.SetHeader([]string{"Agent", "Capabilities", "Load", "Utilization", "Reliability", "Done", "Failed", "Last seen"})
	agents.SetBorder(false)
	for _, a := range dash.Agents {
		agents.Append([]string{
			a.AgentID,
			strings.Join(a.Capabilities, ","),
			fmt.Sprintf("%d/%d", a.CurrentLoad, a.MaxConcurrent),
			utilization(a.Utilization),
			fmt.Sprintf("%.2f", a.ReliabilityScore),
			strconv.Itoa(a.Completed),
			strconv.Itoa(a.Failed),
			formatTime(a.LastActivity),
		})
	}
	agents.Render()

	fmt.Println()
	bold.Println("Bus")
	fmt.Printf("  sent %d  delivered %d  failed %s  avg latency %.2fms\n",
		dash.Bus.Sent, dash.Bus.Delivered, failedCount(dash.Bus.Failed), dash.Bus.AvgLatencyMS)

	fmt.Println()
	bold.Println("Tasks")
	fmt.Printf("  pending %d  in progress %d  %s %d  %s %d  %s %d\n",
		dash.Tasks.Pending, dash.Tasks.InProgress,
		color.GreenString("completed"), dash.Tasks.Completed,
		color.RedString("failed"), dash.Tasks.Failed,
		color.YellowString("cancelled"), dash.Tasks.Cancelled)

	if len(dash.Recent) == 0 {
		return nil
	}
	fmt.Println()
	bold.Println("Recent outcomes")
	printOutcomes(dash.Recent)
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if historyAgents {
		outcomes, err := client.AgentOutcomes(cmd.Context())
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Agent", "Completed", "Failed", "Cancelled"})
		table.SetBorder(false)
		for _, o := range outcomes {
			table.Append([]string{o.AgentID, strconv.Itoa(o.Completed), strconv.Itoa(o.Failed), strconv.Itoa(o.Cancelled)})
		}
		table.Render()
		return nil
	}

	tasks, err := client.Archive(cmd.Context(), domain.TaskStatus(historyStatus), historyLimit)
	if err != nil {
		return err
	}
	outcomes := make([]domain.TaskOutcome, 0, len(tasks))
	for _, t := range tasks {
		o := domain.TaskOutcome{TaskID: t.TaskID, Name: t.Name, Status: t.Status, Cause: t.Cause, FirstError: t.FirstError}
		if t.FinishedAt != nil {
			o.FinishedAt = *t.FinishedAt
		}
		outcomes = append(outcomes, o)
	}
	printOutcomes(outcomes)
	return nil
}

func printOutcomes(items []domain.TaskOutcome) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Task", "Name", "Status", "Cause", "Finished", "Error"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, o := range items {
		table.Append([]string{
			o.TaskID,
			o.Name,
			colorStatus(string(o.Status)),
			firstNonEmpty(string(o.Cause), "-"),
			formatTime(o.FinishedAt),
			truncate(o.FirstError, 50),
		})
	}
	table.Render()
}

func utilization(v float64) string {
	s := fmt.Sprintf("%3.0f%%", v*100)
	switch {
	case v >= 1:
		return color.RedString(s)
	case v >= 0.5:
		return color.YellowString(s)
	default:
		return s
	}
}

func failedCount(n int64) string {
	if n > 0 {
		return color.RedString(strconv.FormatInt(n, 10))
	}
	return "0"
}
