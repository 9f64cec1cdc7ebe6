package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/membersync/pkg/api"
	"github.com/cuemby/membersync/pkg/client"
	"github.com/cuemby/membersync/pkg/types"
	"github.com/spf13/cobra"
)

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %v", err)
	}
	return c, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Work item commands
var enqueueCmd = &cobra.Command{
	Use:   "enqueue TYPE PAYLOAD",
	Short: "Queue a work item",
	Long: `Queue a work item of TYPE with a JSON PAYLOAD.

Examples:
  membersync enqueue grant_role '{"subjectId":"42","roleId":"11"}'
  membersync enqueue deactivate_user '{"subjectId":"42"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON")
		}

		id, err := c.EnqueueWork(cmd.Context(), types.WorkType(args[0]), json.RawMessage(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Work item queued: %s\n", id)
		return nil
	},
}

var workGetCmd = &cobra.Command{
	Use:   "work ID",
	Short: "Show a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		item, err := c.GetWorkItem(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(item)
	},
}

func init() {
	rootCmd.AddCommand(workGetCmd)
}

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and manage batch tasks",
}

var taskGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a task with its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		detail, err := c.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(detail)
		}

		fmt.Printf("Task: %s\n", detail.ID)
		fmt.Printf("  Name: %s\n", detail.Name)
		if detail.Description != "" {
			fmt.Printf("  Description: %s\n", detail.Description)
		}
		fmt.Printf("  Status: %s (%d%%)\n", detail.Status, detail.Progress)
		if detail.Error != "" {
			fmt.Printf("  Error: %s\n", detail.Error)
		}
		if detail.WorkItem != nil {
			fmt.Printf("  Work Item: %s (%s, attempts=%d)\n", detail.WorkItem.ID, detail.WorkItem.Status, detail.WorkItem.Attempts)
		}
		if len(detail.Subtasks) == 0 {
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tOPERATION\tSTATUS\tERROR")
		for _, sub := range detail.Subtasks {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", sub.Step(), sub.Name, sub.Status, sub.Error)
		}
		return w.Flush()
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parent tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		tasks, err := c.ListTasks(cmd.Context(), types.TaskStatus(status))
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tENTITY\tCREATED")
		for _, t := range tasks {
			entity := strings.Trim(t.EntityType+"/"+t.EntityID, "/")
			fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n", t.ID, t.Status, t.Progress, entity, t.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry ID",
	Short: "Re-run the failed operations of a task",
	Long: `Re-run the failed operations of a task.

ID may be a task id or the id of a standalone work item in error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ok, err := c.RetryTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("%s is not in a retryable state\n", args[0])
			return nil
		}
		fmt.Printf("✓ %s queued for retry\n", args[0])
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task that has not started",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ok, err := c.CancelTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("%s has already started and cannot be cancelled\n", args[0])
			return nil
		}
		fmt.Printf("✓ %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRetryCmd)
	taskCmd.AddCommand(taskCancelCmd)

	taskGetCmd.Flags().Bool("json", false, "Print the raw JSON response")
	taskListCmd.Flags().String("status", "", "Only list tasks in this status")
}

// Queue commands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the work queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show work item counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		status, err := c.QueueStatus(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println("Queue status:")
		fmt.Printf("  Pending:   %d\n", status.Pending)
		fmt.Printf("  Running:   %d\n", status.Running)
		fmt.Printf("  Completed: %d\n", status.Completed)
		fmt.Printf("  Failed:    %d\n", status.Failed)
		fmt.Printf("  Cancelled: %d\n", status.Cancelled)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
}

// Member commands
var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Reconcile members",
}

var memberReconcileCmd = &cobra.Command{
	Use:   "reconcile ID",
	Short: "Queue the role changes for one member",
	Long: `Queue the role changes that bring one member's identity provider
roles in line with their affiliation and interests.

Examples:
  membersync member reconcile m-1042 --external-id 42 --affiliation staff --interest go --interest rust`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		externalID, _ := cmd.Flags().GetString("external-id")
		affiliation, _ := cmd.Flags().GetString("affiliation")
		interests, _ := cmd.Flags().GetStringSlice("interest")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		return reconcileOne(cmd, c, types.Member{
			ID:          args[0],
			ExternalID:  externalID,
			Affiliation: affiliation,
			Interests:   interests,
		})
	},
}

func init() {
	memberCmd.AddCommand(memberReconcileCmd)

	memberReconcileCmd.Flags().String("external-id", "", "Subject id in the identity provider")
	memberReconcileCmd.Flags().String("affiliation", "", "Membership tier")
	memberReconcileCmd.Flags().StringSlice("interest", nil, "Interest tag (repeatable)")
}

// Admin commands
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive finished work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		n, err := c.Archive(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Archived %d work items\n", n)
		return nil
	},
}

func init() {
	archiveCmd.Flags().Duration("older-than", api.DefaultArchiveAge, "Archive items finished longer ago than this")
}
