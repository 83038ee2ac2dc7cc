package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/perpetual/pkg/api"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage perpetual tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create TYPE",
	Short: "Create a perpetual task",
	Long: `Create a perpetual task of TYPE for an account.

Examples:
  perpetual task create http-probe --account acc1 \
    --param url=https://example.com --interval 1m --timeout 5s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(viper.GetStringSlice("param"))
		if err != nil {
			return err
		}

		req := &api.CreateTaskRequest{
			TaskType:       args[0],
			AccountID:      viper.GetString("account"),
			Params:         params,
			Schedule:       scheduleFrom(viper.GetDuration("interval"), viper.GetDuration("timeout")),
			AllowDuplicate: viper.GetBool("allow-duplicate"),
			Description:    viper.GetString("description"),
		}
		if file := viper.GetString("bundle-file"); file != "" {
			bundle, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read bundle: %v", err)
			}
			req.Params = nil
			req.Bundle = bundle
		}

		return withClient(func(ctx context.Context, c taskClient) error {
			id, err := c.CreateTask(ctx, req)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tasks of an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c taskClient) error {
			tasks, err := c.ListAllTasksForAccount(ctx, viper.GetString("account"))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATE\tWORKER\tREASON\tLAST HEARTBEAT")
			for _, t := range tasks {
				hb := "-"
				if !t.LastHeartbeatAt.IsZero() {
					hb = t.LastHeartbeatAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.TaskType, t.State, dash(t.AssignedWorkerID), dash(string(t.UnassignedReason)), hb)
			}
			return w.Flush()
		})
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a task record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c taskClient) error {
			task, err := c.GetTaskRecord(ctx, viper.GetString("account"), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(task)
		})
	},
}

// taskActionCmd builds the commands that act on one task and report
// whether anything changed
func taskActionCmd(use, short string, action func(context.Context, taskClient, string, string) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c taskClient) error {
				ok, err := action(ctx, c, viper.GetString("account"), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("task %s: nothing to %s", args[0], use)
				}
				fmt.Printf("✓ %s: %s\n", use, args[0])
				return nil
			})
		},
	}
}

var (
	taskDeleteCmd = taskActionCmd("delete", "Delete a task", func(ctx context.Context, c taskClient, acc, id string) (bool, error) {
		return c.DeleteTask(ctx, acc, id)
	})
	taskPauseCmd = taskActionCmd("pause", "Pause a task", func(ctx context.Context, c taskClient, acc, id string) (bool, error) {
		return c.PauseTask(ctx, acc, id)
	})
	taskResumeCmd = taskActionCmd("resume", "Resume a paused task", func(ctx context.Context, c taskClient, acc, id string) (bool, error) {
		return c.ResumeTask(ctx, acc, id)
	})
)

var taskResetCmd = &cobra.Command{
	Use:   "reset ID",
	Short: "Re-queue a task, optionally with a new execution bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var bundle []byte
		if file := viper.GetString("bundle-file"); file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read bundle: %v", err)
			}
			bundle = data
		}
		return withClient(func(ctx context.Context, c taskClient) error {
			ok, err := c.ResetTask(ctx, viper.GetString("account"), args[0], bundle)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %s not reset", args[0])
			}
			fmt.Printf("✓ reset: %s\n", args[0])
			return nil
		})
	},
}

var taskDeleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every task of an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c taskClient) error {
			ok, err := c.DeleteAllTasksForAccount(ctx, viper.GetString("account"))
			if err != nil {
				return err
			}
			if ok {
				fmt.Println("✓ tasks deleted")
			} else {
				fmt.Println("no tasks")
			}
			return nil
		})
	},
}

func init() {
	taskCmd.PersistentFlags().String("account", "", "Account ID")

	taskCreateCmd.Flags().StringSlice("param", nil, "Task parameter as key=value (repeatable)")
	taskCreateCmd.Flags().String("bundle-file", "", "Pre-built execution bundle instead of params")
	taskCreateCmd.Flags().Duration("interval", time.Minute, "Run interval")
	taskCreateCmd.Flags().Duration("timeout", 30*time.Second, "Per-run timeout")
	taskCreateCmd.Flags().Bool("allow-duplicate", false, "Create even if an identical task exists")
	taskCreateCmd.Flags().String("description", "", "Free-form description")

	taskResetCmd.Flags().String("bundle-file", "", "Replacement execution bundle")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskGetCmd, taskDeleteCmd,
		taskPauseCmd, taskResumeCmd, taskResetCmd, taskDeleteAllCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage worker tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create ACCOUNT",
	Short: "Issue a worker token for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c taskClient) error {
			resp, err := c.GenerateToken(ctx, args[0], viper.GetDuration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(resp.Token)
			if !resp.ExpiresAt.IsZero() {
				fmt.Fprintf(os.Stderr, "expires %s\n", resp.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

func init() {
	tokenCreateCmd.Flags().Duration("ttl", 0, "Token lifetime (0 never expires)")
	tokenCmd.AddCommand(tokenCreateCmd)
}

// taskClient is the part of client.Client the CLI uses
type taskClient interface {
	CreateTask(ctx context.Context, req *api.CreateTaskRequest) (string, error)
	DeleteTask(ctx context.Context, accountID, taskID string) (bool, error)
	DeleteAllTasksForAccount(ctx context.Context, accountID string) (bool, error)
	PauseTask(ctx context.Context, accountID, taskID string) (bool, error)
	ResumeTask(ctx context.Context, accountID, taskID string) (bool, error)
	ResetTask(ctx context.Context, accountID, taskID string, bundle []byte) (bool, error)
	ListAllTasksForAccount(ctx context.Context, accountID string) ([]*types.PerpetualTask, error)
	GetTaskRecord(ctx context.Context, accountID, taskID string) (*types.PerpetualTask, error)
	GenerateToken(ctx context.Context, accountID string, ttl time.Duration) (*api.GenerateTokenResponse, error)
}

func withClient(fn func(context.Context, taskClient) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, c)
}

// parseParams turns key=value pairs into a parameter map
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

func scheduleFrom(interval, timeout time.Duration) types.Schedule {
	return types.Schedule{
		IntervalSeconds: int64(interval / time.Second),
		TimeoutMillis:   timeout.Milliseconds(),
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
