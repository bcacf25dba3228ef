package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/transcodefarm/farmd/pkg/models"
)

var (
	submitPriority   int
	submitCodec      string
	submitCRF        int
	submitPreset     string
	submitAudioCodec string
	submitOutputPath string
	submitMaxRetries int
	listState        string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage transcode jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <source-file>...",
	Short: "Submit transcode jobs",
	Long:  `Submit one or more files for transcoding. Multiple files become one batch request.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("cancel"),
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed job with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("retry"),
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("pause"),
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("resume"),
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsPauseCmd)
	jobsCmd.AddCommand(jobsResumeCmd)

	jobsSubmitCmd.Flags().IntVar(&submitPriority, "priority", 0, "scheduling priority, higher first")
	jobsSubmitCmd.Flags().StringVar(&submitCodec, "codec", "", "video codec (e.g. libx265, hevc_nvenc)")
	jobsSubmitCmd.Flags().IntVar(&submitCRF, "crf", 0, "constant rate factor")
	jobsSubmitCmd.Flags().StringVar(&submitPreset, "preset", "", "encoder speed preset")
	jobsSubmitCmd.Flags().StringVar(&submitAudioCodec, "audio-codec", "", "audio codec (default stream copy)")
	jobsSubmitCmd.Flags().StringVar(&submitOutputPath, "output", "", "output path (default replaces the source in place)")
	jobsSubmitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", 0, "per-job retry ceiling (0 uses the server default)")

	jobsListCmd.Flags().StringVar(&listState, "state", "", "filter by state (queued, transcoding, failed, ...)")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	params := map[string]interface{}{}
	if submitCodec != "" {
		params["video_codec"] = submitCodec
	}
	if submitCRF > 0 {
		params["crf"] = submitCRF
	}
	if submitPreset != "" {
		params["preset"] = submitPreset
	}
	if submitAudioCodec != "" {
		params["audio_codec"] = submitAudioCodec
	}
	if submitOutputPath != "" {
		if len(args) > 1 {
			return fmt.Errorf("--output only makes sense with a single source file")
		}
		params["output_path"] = submitOutputPath
	}

	reqs := make([]models.JobRequest, 0, len(args))
	for _, src := range args {
		abs, err := filepath.Abs(src)
		if err != nil {
			return err
		}
		reqs = append(reqs, models.JobRequest{
			SourcePath: abs,
			Params:     params,
			Priority:   submitPriority,
			MaxRetries: submitMaxRetries,
		})
	}

	if len(reqs) == 1 {
		var job models.Job
		if err := apiCall("POST", "/jobs", reqs[0], &job); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(job)
		}
		fmt.Printf("Job #%d submitted: %s\n", job.ID, job.SourcePath)
		return nil
	}

	var jobs []models.Job
	if err := apiCall("POST", "/jobs", reqs, &jobs); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(jobs)
	}
	for _, job := range jobs {
		fmt.Printf("Job #%d submitted: %s\n", job.ID, job.SourcePath)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	path := "/jobs"
	if listState != "" {
		path += "?state=" + listState
	}
	var jobs []models.Job
	if err := apiCall("GET", path, nil, &jobs); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job", "Status", "Progress", "Worker", "Retries", "Source", "Created")
	for _, job := range jobs {
		worker := "-"
		if job.WorkerID != nil {
			worker = strconv.FormatInt(*job.WorkerID, 10)
		}
		table.Append(
			strconv.FormatInt(job.ID, 10),
			string(job.Status),
			fmt.Sprintf("%.0f%%", job.ProgressPercent),
			worker,
			fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
			filepath.Base(job.SourcePath),
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	table.Render()
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	var job models.Job
	if err := apiCall("GET", "/jobs/"+args[0], nil, &job); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job", strconv.FormatInt(job.ID, 10))
	table.Append("Status", string(job.Status))
	if job.StatusDetail != "" {
		table.Append("Detail", job.StatusDetail)
	}
	table.Append("Source", job.SourcePath)
	if job.OutputPath != "" {
		table.Append("Output", fmt.Sprintf("%s (%d bytes)", job.OutputPath, job.OutputSize))
	}
	table.Append("Progress", fmt.Sprintf("%.1f%%", job.ProgressPercent))
	if job.ETASeconds > 0 {
		table.Append("ETA", (time.Duration(job.ETASeconds) * time.Second).String())
	}
	if job.WorkerID != nil {
		table.Append("Worker", strconv.FormatInt(*job.WorkerID, 10))
	}
	table.Append("Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries))
	if job.GPUFallbackStage > 0 {
		table.Append("GPU Fallback", strconv.Itoa(job.GPUFallbackStage))
	}
	if job.ValidationStatus != nil {
		table.Append("Validation", *job.ValidationStatus)
	}
	if job.CloudCostUSD != nil {
		table.Append("Cloud Cost", fmt.Sprintf("$%.2f", *job.CloudCostUSD))
	}
	table.Append("Created", job.CreatedAt.Format(time.RFC3339))
	for _, tr := range job.StateTransitions {
		table.Append("  "+tr.Timestamp.Format("15:04:05"), fmt.Sprintf("%s -> %s %s", tr.From, tr.To, tr.Reason))
	}
	table.Render()
	return nil
}

func jobAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var job models.Job
		if err := apiCall("POST", "/jobs/"+args[0]+"/"+action, nil, &job); err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(job)
		}
		fmt.Printf("Job #%d is now %s\n", job.ID, job.Status)
		return nil
	}
}
