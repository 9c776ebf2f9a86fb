package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/daemon"
	"github.com/droverhq/drover/internal/setup"
	"github.com/droverhq/drover/internal/status"
	"github.com/droverhq/drover/internal/uds"
)

const version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "drover",
		Short:         "Run scheduling and machine queue accounting daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "project directory containing .drover/")

	rootCmd.AddCommand(newSetupCommand())
	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newWorkerStartCommand())
	rootCmd.AddCommand(newShutdownCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func dataDir(cmd *cobra.Command) (string, error) {
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	return filepath.Join(abs, setup.DirName), nil
}

func adminClient(cmd *cobra.Command) (*uds.Client, error) {
	dir, err := dataDir(cmd)
	if err != nil {
		return nil, err
	}
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName)), nil
}

// printResponse renders an admin socket response, turning daemon-side errors
// into command failures.
func printResponse(resp *uds.Response) error {
	if !resp.Success {
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return fmt.Errorf("daemon reported failure")
	}
	if len(resp.Data) > 0 {
		var buf interface{}
		if err := json.Unmarshal(resp.Data, &buf); err == nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(buf)
		}
	}
	fmt.Println("ok")
	return nil
}

func newSetupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initialize the .drover/ data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			if err := setup.Run(dir, name); err != nil {
				return err
			}
			fmt.Printf("initialized %s\n", filepath.Join(dir, setup.DirName))
			return nil
		},
	}
	cmd.Flags().String("name", "", "project name (defaults to directory basename)")
	return cmd
}

func newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the drover daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir(cmd)
			if err != nil {
				return err
			}
			cfg, err := daemon.LoadConfig(dir)
			if err != nil {
				return fmt.Errorf("%w\nRun 'drover setup' first", err)
			}
			d, err := daemon.New(dir, cfg)
			if err != nil {
				return err
			}
			return d.Run()
		},
	}
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := dataDir(cmd)
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			return status.Run(dir, jsonOut)
		},
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [machine-id]",
		Short: "Reconcile machine queue counters with live engine state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			var params map[string]string
			if len(args) == 1 {
				params = map[string]string{"machine_id": args[0]}
			}
			resp, err := client.SendCommand("sync", params)
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	return cmd
}

func newWorkerStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker-start",
		Short: "Ensure the daemon's background worker is started",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			resp, err := client.SendCommand("worker_start", nil)
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Request a graceful daemon shutdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := adminClient(cmd)
			if err != nil {
				return err
			}
			resp, err := client.SendCommand("shutdown", nil)
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the drover version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drover %s\n", version)
		},
	}
}
