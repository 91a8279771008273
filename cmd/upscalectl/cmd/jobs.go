package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/api"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/client"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

var (
	scale        float64
	tileSize     int
	model        string
	waitForJob   bool
	downloadDir  string
	followStatus bool
	pollInterval time.Duration
	resultPath   string
	statusFilter string
	recursive    bool
	concurrency  int
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <image>... | submit --recursive <dir> --download-dir <dir>",
	Short: "Submit images for upscaling",
	Long: `Upload one or more images. With --wait the command follows each job to the end and, with --download-dir, saves the results.

With --recursive the argument is a directory: every image below it is upscaled into --download-dir under the same relative path. Existing outputs are skipped, finished jobs are deleted from the server and failures are written to failed_files.json in the target directory.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// resultCmd represents the result command
var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "Download the upscaled image",
	Long:  `Download a completed job's output. Without --file the server's file name is used in the current directory; "-" writes to stdout.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a waiting job, or ask a running one to stop. Finished jobs are left as they are.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, resultCmd, cancelCmd, deleteCmd, listCmd)

	submitCmd.Flags().Float64Var(&scale, "scale", 0, "output scale between 1 and 8 (server default when unset)")
	submitCmd.Flags().IntVar(&tileSize, "tile-size", 0, "engine tile size, 0 for automatic")
	submitCmd.Flags().StringVar(&model, "model", "", "engine model name")
	submitCmd.Flags().BoolVar(&waitForJob, "wait", false, "wait for every job to finish")
	submitCmd.Flags().StringVar(&downloadDir, "download-dir", "", "save results here (implies --wait)")
	submitCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval while waiting")
	submitCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "upscale every image below a directory")
	submitCmd.Flags().IntVar(&concurrency, "concurrency", 4, "images in flight at once with --recursive")

	statusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll until the job finishes")
	statusCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval with --follow")

	resultCmd.Flags().StringVarP(&resultPath, "file", "f", "", "output file, - for stdout")

	listCmd.Flags().StringVar(&statusFilter, "status", "", "only jobs in this status")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	params := models.ProcessingParams{Scale: scale, TileSize: tileSize, Model: model}
	if recursive {
		return runBatch(cmd, c, args, params)
	}

	var accepted []api.SubmitResponse
	for _, path := range args {
		res, err := c.SubmitFile(ctx, path, params)
		if err != nil {
			return fmt.Errorf("submit %s: %w", path, err)
		}
		accepted = append(accepted, *res)
	}

	if !waitForJob && downloadDir == "" {
		return render(out, accepted, func(w io.Writer) error {
			for i, res := range accepted {
				fmt.Fprintf(w, "%s -> job %s (%s, about %ds)\n", args[i], res.JobID, res.Status, res.EstimatedTime)
			}
			return nil
		})
	}

	var finished []models.JobView
	var failed int
	for _, res := range accepted {
		view, err := c.Wait(ctx, res.JobID, pollInterval, nil)
		if err != nil {
			return err
		}
		finished = append(finished, view)
		if view.Status != models.JobStatusCompleted {
			failed++
			continue
		}
		if downloadDir != "" {
			if _, err := download(cmd, res.JobID, downloadDir, ""); err != nil {
				return err
			}
		}
	}

	if err := render(out, finished, func(w io.Writer) error { return jobsTable(w, finished) }); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs did not complete", failed, len(finished))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !followStatus {
		view, err := c.Job(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(out, view, func(w io.Writer) error { return jobDetailTable(w, view) })
	}

	var last string
	view, err := c.Wait(cmd.Context(), args[0], pollInterval, func(v models.JobView) {
		if outputFormat != "table" {
			return
		}
		line := fmt.Sprintf("%-10s %5s  %s", v.Status, formatProgress(v.Progress), v.Message)
		if line != last {
			fmt.Fprintf(out, "[%s] %s\n", time.Now().Format("15:04:05"), line)
			last = line
		}
	})
	if err != nil {
		return err
	}
	return render(out, view, func(w io.Writer) error { return jobDetailTable(w, view) })
}

// download saves a job's output into dir, or to path when set
func download(cmd *cobra.Command, id, dir, path string) (string, error) {
	c, err := newClient()
	if err != nil {
		return "", err
	}

	if path == "-" {
		_, _, err := c.Download(cmd.Context(), id, cmd.OutOrStdout())
		return "-", err
	}

	path, err = saveOutput(cmd.Context(), c, id, dir, path)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s\n", path)
	return path, nil
}

// saveOutput downloads into a temp file in dir and renames it to path, or to
// the server's file name when path is empty
func saveOutput(ctx context.Context, c *client.Client, id, dir, path string) (string, error) {
	tmp, err := os.CreateTemp(dir, ".upscalectl-*")
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	name, _, err := c.Download(ctx, id, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}
	if path == "" {
		path = filepath.Join(dir, name)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	return path, nil
}

func runResult(cmd *cobra.Command, args []string) error {
	dir := "."
	if resultPath != "" && resultPath != "-" {
		dir = filepath.Dir(resultPath)
	}
	_, err := download(cmd, args[0], dir, resultPath)
	return err
}

func runCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	view, msg, err := c.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), view, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s: %s (status %s)\n", view.ID, msg, view.Status)
		return err
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	if err := c.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	result := map[string]string{"job_id": args[0], "status": "deleted"}
	return render(cmd.OutOrStdout(), result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Job %s deleted\n", args[0])
		return err
	})
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.List(cmd.Context(), models.JobStatus(statusFilter))
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), res, func(w io.Writer) error {
		if res.Count == 0 {
			_, err := fmt.Fprintln(w, "No jobs")
			return err
		}
		if err := jobsTable(w, res.Jobs); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "\nTotal jobs: %d (active %d, completed %d, failed %d, cancelled %d)\n",
			res.Count, res.Stats.Active, res.Stats.Completed, res.Stats.Failed, res.Stats.Cancelled)
		return err
	})
}
