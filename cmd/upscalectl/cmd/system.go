package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/service"
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

// systemCmd represents the system command
var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Show server, engine, GPU and host status",
	Args:  cobra.NoArgs,
	RunE:  runSystem,
}

// reloadCmd represents the reload command
var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the engine",
	Long:  `Reload the upscaling engine once running jobs finish, then recompute the worker capacity.`,
	Args:  cobra.NoArgs,
	RunE:  runReload,
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(statsCmd, systemCmd, reloadCmd, healthCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	stats, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), stats, func(w io.Writer) error { return statsTable(w, stats) })
}

func statsTable(w io.Writer, s models.Stats) error {
	table := tablewriter.NewWriter(w)
	table.Header("Total", "Active", "Pending", "Queued", "Processing", "Completed", "Failed", "Cancelled")
	table.Append(
		fmt.Sprint(s.Total),
		fmt.Sprint(s.Active),
		fmt.Sprint(s.Pending),
		fmt.Sprint(s.Queued),
		fmt.Sprint(s.Processing),
		fmt.Sprint(s.Completed),
		fmt.Sprint(s.Failed),
		fmt.Sprint(s.Cancelled),
	)
	return table.Render()
}

func runSystem(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	sys, err := c.System(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), sys, func(w io.Writer) error { return systemTable(w, sys) })
}

func systemTable(w io.Writer, sys service.SystemStatus) error {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Version", sys.Version)
	table.Append("Uptime", (time.Duration(sys.Uptime) * time.Second).String())
	table.Append("Engine ready", yesNo(sys.Engine.Ready))
	if sys.Engine.LastError != "" {
		table.Append("Engine error", sys.Engine.LastError)
	}
	table.Append("Engine reloads", fmt.Sprint(sys.Engine.Reloads))
	table.Append("Capacity", fmt.Sprint(sys.Capacity))
	table.Append("Active", fmt.Sprint(sys.Active))
	table.Append("Queue length", fmt.Sprint(sys.QueueLength))
	if gpu := sys.GPU; gpu != nil {
		table.Append("GPU", fmt.Sprintf("#%d %s", gpu.Index, gpu.Name))
		table.Append("GPU memory", fmt.Sprintf("%s / %s", formatMiB(gpu.UsedMiB), formatMiB(gpu.TotalMiB)))
		table.Append("GPU utilization", fmt.Sprintf("%.0f%%", gpu.UtilizationPercent))
		table.Append("GPU temperature", fmt.Sprintf("%.0f C", gpu.TemperatureCelsius))
	} else {
		table.Append("GPU", "not detected")
	}
	if host := sys.Host; host != nil {
		table.Append("Host memory", fmt.Sprintf("%s / %s (%.0f%%)", formatBytes(int64(host.MemoryUsed)), formatBytes(int64(host.MemoryTotal)), host.MemoryPercent))
		table.Append("Host CPU", fmt.Sprintf("%d cores, %.0f%%", host.CPUCount, host.CPUPercent))
	}
	table.Append("Jobs", fmt.Sprintf("%d total, %d active, %d completed", sys.Jobs.Total, sys.Jobs.Active, sys.Jobs.Completed))
	table.Append("Swept jobs", fmt.Sprint(sys.Cleanup.TotalJobsDeleted))
	return table.Render()
}

func runReload(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Reload(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Engine reloaded (ready: %s), capacity %d -> %d\n",
			yesNo(res.Engine.Ready), res.PreviousCapacity, res.Capacity)
		return err
	})
}

func runHealth(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	health, err := c.Health(cmd.Context())
	if err != nil {
		return err
	}
	if err := render(cmd.OutOrStdout(), health, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s: engine ready %s, %d active, %d queued, capacity %d\n",
			health.Status, yesNo(health.EngineReady), health.Active, health.QueueLength, health.Capacity)
		return err
	}); err != nil {
		return err
	}
	if !health.EngineReady {
		return fmt.Errorf("server is %s", health.Status)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
