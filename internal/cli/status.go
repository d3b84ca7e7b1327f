package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/harun/memgate/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Long:  `Show whether the memgate service is running, its PID and uptime.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// serviceStatus is the status command's result.
type serviceStatus struct {
	Running bool          `json:"running" yaml:"running"`
	PID     int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	Uptime  time.Duration `json:"uptime,omitempty" yaml:"uptime,omitempty"`
	DataDir string        `json:"dataDir" yaml:"dataDir"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := getPIDFilePath(cfg)
	status := serviceStatus{DataDir: cfg.DataDir}

	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		status.Running = true
		status.PID = pid
		// The PID file is written at startup.
		if info, err := os.Stat(pidFile); err == nil {
			status.Uptime = time.Since(info.ModTime())
		}
	}

	return render(cmd, status, func(w io.Writer) {
		if !status.Running {
			fmt.Fprintln(w, "Status: stopped")
			return
		}
		fmt.Fprintln(w, "Status: running")
		fmt.Fprintf(w, "PID: %d\n", status.PID)
		if status.Uptime > 0 {
			fmt.Fprintf(w, "Uptime: %s\n", formatDuration(status.Uptime))
		}
	})
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
