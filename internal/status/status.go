// Package status implements the CLI-side daemon status display.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/droverhq/drover/internal/lock"
	"github.com/droverhq/drover/internal/uds"
)

type Report struct {
	Running bool            `json:"running"`
	PID     int             `json:"pid,omitempty"`
	Daemon  json.RawMessage `json:"daemon,omitempty"`
}

// Run queries the daemon over the admin socket and prints its status. When
// the daemon is down, the lock file still yields the last recorded PID.
func Run(dataDir string, jsonOutput bool) error {
	report := collect(dataDir)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(report)
	return nil
}

func collect(dataDir string) Report {
	report := Report{}

	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("status", nil)
	if err == nil && resp.Success {
		report.Running = true
		report.Daemon = resp.Data
		return report
	}

	if pid, err := lock.ReadPID(filepath.Join(dataDir, "locks", "daemon.lock")); err == nil {
		report.PID = pid
	}
	return report
}

func printReport(r Report) {
	if !r.Running {
		fmt.Println("daemon: not running")
		if r.PID != 0 {
			fmt.Printf("last pid: %d\n", r.PID)
		}
		return
	}

	fmt.Println("daemon: running")
	var info struct {
		PID       int `json:"pid"`
		UptimeSec int `json:"uptime_sec"`
		Worker    struct {
			Started bool `json:"started"`
		} `json:"worker"`
		Machines []struct {
			MachineID  string `json:"machine_id"`
			Name       string `json:"name"`
			QueueCount int    `json:"queue_count"`
		} `json:"machines"`
		Groups int `json:"groups"`
		Runs   int `json:"runs"`
	}
	if err := json.Unmarshal(r.Daemon, &info); err != nil {
		fmt.Println("(status payload unreadable)")
		return
	}
	fmt.Printf("pid: %d\n", info.PID)
	fmt.Printf("uptime: %ds\n", info.UptimeSec)
	fmt.Printf("worker started: %v\n", info.Worker.Started)
	fmt.Printf("machines: %d  groups: %d  runs: %d\n", len(info.Machines), info.Groups, info.Runs)
	for _, m := range info.Machines {
		fmt.Printf("  %s %s queue=%d\n", m.MachineID, m.Name, m.QueueCount)
	}
}
