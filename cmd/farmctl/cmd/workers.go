package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/transcodefarm/farmd/pkg/models"
)

var (
	workerKind     string
	workerHostname string
	workerPort     int
	workerKeyRef   string
	workerWorkDir  string
	workerMaxJobs  int
	workerMappings []string
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage workers",
}

var workersAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a worker",
	Long: `Register a worker. Local workers run encodes in the daemon's own
host; ssh workers are reached as user@hostname with a key file.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkersAdd,
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE:  runWorkersList,
}

var workersShowCmd = &cobra.Command{
	Use:   "show <worker-id>",
	Short: "Show one worker in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkersShow,
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <worker-id>",
	Short: "Remove a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall("DELETE", "/workers/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("Worker %s removed\n", args[0])
		return nil
	},
}

var workersEnableCmd = &cobra.Command{
	Use:   "enable <worker-id>",
	Short: "Allow new work on a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  workerSwitch("enable"),
}

var workersDisableCmd = &cobra.Command{
	Use:   "disable <worker-id>",
	Short: "Stop assigning new work to a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  workerSwitch("disable"),
}

var workersBenchmarkCmd = &cobra.Command{
	Use:   "benchmark <worker-id>",
	Short: "Schedule a network benchmark for a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall("POST", "/workers/"+args[0]+"/benchmark", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Benchmark scheduled for worker %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersAddCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersShowCmd)
	workersCmd.AddCommand(workersRemoveCmd)
	workersCmd.AddCommand(workersEnableCmd)
	workersCmd.AddCommand(workersDisableCmd)
	workersCmd.AddCommand(workersBenchmarkCmd)

	workersAddCmd.Flags().StringVar(&workerKind, "kind", "ssh", "worker kind: local or ssh")
	workersAddCmd.Flags().StringVar(&workerHostname, "hostname", "", "user@host for ssh workers")
	workersAddCmd.Flags().IntVar(&workerPort, "port", 22, "ssh port")
	workersAddCmd.Flags().StringVar(&workerKeyRef, "key-file", "", "path to the ssh private key on the daemon host")
	workersAddCmd.Flags().StringVar(&workerWorkDir, "work-dir", "", "scratch directory on the worker")
	workersAddCmd.Flags().IntVar(&workerMaxJobs, "max-jobs", 1, "concurrent job limit")
	workersAddCmd.Flags().StringSliceVar(&workerMappings, "map", nil, "shared storage mapping local=remote (repeatable)")
}

func runWorkersAdd(cmd *cobra.Command, args []string) error {
	worker := models.Worker{
		Name:              args[0],
		Kind:              models.WorkerKind(workerKind),
		Enabled:           true,
		Hostname:          workerHostname,
		Port:              workerPort,
		CredentialRef:     workerKeyRef,
		WorkDir:           workerWorkDir,
		MaxConcurrentJobs: workerMaxJobs,
	}
	if worker.Kind == models.WorkerKindSSH && worker.Hostname == "" {
		return fmt.Errorf("ssh workers need --hostname")
	}
	for _, m := range workerMappings {
		parts := strings.SplitN(m, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad --map %q, want local=remote", m)
		}
		worker.PathMappings = append(worker.PathMappings, models.PathMapping{
			SourcePrefix: parts[0],
			TargetPrefix: parts[1],
		})
	}

	var created models.Worker
	if err := apiCall("POST", "/workers", worker, &created); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(created)
	}
	fmt.Printf("Worker %d (%s) registered\n", created.ID, created.Name)
	return nil
}

func runWorkersList(cmd *cobra.Command, args []string) error {
	var workers []models.Worker
	if err := apiCall("GET", "/workers", nil, &workers); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(workers)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Kind", "Status", "Enabled", "Jobs", "GPU", "Score")
	for _, w := range workers {
		gpu := "-"
		if len(w.HWAccels) > 0 {
			gpu = strings.Join(w.HWAccels, ",")
		}
		table.Append(
			strconv.FormatInt(w.ID, 10),
			w.Name,
			string(w.Kind),
			string(w.Status),
			strconv.FormatBool(w.Enabled),
			fmt.Sprintf("%d/%d", w.ActiveJobs, w.MaxConcurrentJobs),
			gpu,
			fmt.Sprintf("%.2f", w.PerformanceScore),
		)
	}
	table.Render()
	return nil
}

func runWorkersShow(cmd *cobra.Command, args []string) error {
	var w models.Worker
	if err := apiCall("GET", "/workers/"+args[0], nil, &w); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(w)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Worker", fmt.Sprintf("%d (%s)", w.ID, w.Name))
	table.Append("Kind", string(w.Kind))
	table.Append("Status", string(w.Status))
	table.Append("Enabled", strconv.FormatBool(w.Enabled))
	if w.Hostname != "" {
		table.Append("Hostname", fmt.Sprintf("%s:%d", w.Hostname, w.Port))
	}
	table.Append("Slots", fmt.Sprintf("%d/%d", w.ActiveJobs, w.MaxConcurrentJobs))
	if len(w.HWAccels) > 0 {
		table.Append("HW Accels", strings.Join(w.HWAccels, ", "))
	}
	if w.GPUModel != "" {
		table.Append("GPU", w.GPUModel)
	}
	table.Append("CPU Load", fmt.Sprintf("%.1f%%", w.CPULoad))
	table.Append("Score", fmt.Sprintf("%.2f", w.PerformanceScore))
	if w.UploadMbps > 0 || w.DownloadMbps > 0 {
		table.Append("Network", fmt.Sprintf("%.0f up / %.0f down Mbps", w.UploadMbps, w.DownloadMbps))
	}
	if !w.LastHeartbeat.IsZero() {
		table.Append("Last Heartbeat", w.LastHeartbeat.Format(time.RFC3339))
	}
	if w.Cloud != nil {
		table.Append("Cloud", fmt.Sprintf("%s %s in %s (%s)", w.Cloud.Provider, w.Cloud.Plan, w.Cloud.Region, w.Cloud.Lifecycle))
	}
	table.Render()
	return nil
}

func workerSwitch(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var w models.Worker
		if err := apiCall("POST", "/workers/"+args[0]+"/"+action, nil, &w); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(w)
		}
		state := "disabled"
		if w.Enabled {
			state = "enabled"
		}
		fmt.Printf("Worker %d (%s) %s\n", w.ID, w.Name, state)
		return nil
	}
}
