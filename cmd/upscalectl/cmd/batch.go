package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/admission"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/client"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// failureReport is written to the target directory when any image fails
const failureReport = "failed_files.json"

type batchFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type batchSummary struct {
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Elapsed   float64        `json:"elapsed_seconds"`
	Failures  []batchFailure `json:"failures,omitempty"`
	Report    string         `json:"report,omitempty"`
}

// batch mirrors a source tree into a target tree through the server
type batch struct {
	client *client.Client
	params models.ProcessingParams
	source string
	target string
	log    io.Writer

	mu      sync.Mutex
	done    int
	summary batchSummary
}

func runBatch(cmd *cobra.Command, c *client.Client, args []string, params models.ProcessingParams) error {
	if len(args) != 1 {
		return errors.New("--recursive takes exactly one source directory")
	}
	if downloadDir == "" {
		return errors.New("--recursive requires --download-dir")
	}
	if concurrency < 1 {
		return fmt.Errorf("invalid --concurrency %d", concurrency)
	}
	if info, err := os.Stat(args[0]); err != nil {
		return err
	} else if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", args[0])
	}

	images, err := scanImages(args[0], downloadDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return err
	}
	b := &batch{
		client: c,
		params: params,
		source: args[0],
		target: downloadDir,
		log:    cmd.ErrOrStderr(),
	}
	b.summary.Total = len(images)
	fmt.Fprintf(b.log, "Found %d images in %s\n", len(images), args[0])

	start := time.Now()
	ctx := cmd.Context()
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, rel := range images {
		g.Go(func() error {
			return b.process(ctx, rel)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	summary := b.summary
	summary.Elapsed = time.Since(start).Seconds()
	if len(summary.Failures) > 0 {
		slices.SortFunc(summary.Failures, func(a, b batchFailure) int { return strings.Compare(a.Path, b.Path) })
		report, err := writeFailureReport(downloadDir, summary.Failures)
		if err != nil {
			return err
		}
		summary.Report = report
	}

	if err := render(cmd.OutOrStdout(), summary, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Processed %d, skipped %d, failed %d of %d images in %.1fs\n",
			summary.Processed, summary.Skipped, summary.Failed, summary.Total, summary.Elapsed)
		if err == nil && summary.Report != "" {
			_, err = fmt.Fprintf(w, "Failures written to %s\n", summary.Report)
		}
		return err
	}); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d images failed", summary.Failed, summary.Total)
	}
	return nil
}

// scanImages lists supported images below root as paths relative to it,
// leaving out anything under skip
func scanImages(root, skip string) ([]string, error) {
	skipAbs, _ := filepath.Abs(skip)
	var images []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if abs, _ := filepath.Abs(path); path != root && abs == skipAbs {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		if !slices.Contains(admission.DefaultFormats, ext) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		images = append(images, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return images, nil
}

// process upscales one image. Only a cancelled context stops the batch.
func (b *batch) process(ctx context.Context, rel string) error {
	target := filepath.Join(b.target, rel)
	if _, err := os.Stat(target); err == nil {
		b.record(rel, "skipped, output exists", nil, &b.summary.Skipped)
		return nil
	}

	start := time.Now()
	err := b.upscale(ctx, filepath.Join(b.source, rel), target)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		b.record(rel, "failed: "+err.Error(), err, &b.summary.Failed)
		return nil
	}
	b.record(rel, fmt.Sprintf("done in %.1fs", time.Since(start).Seconds()), nil, &b.summary.Processed)
	return nil
}

func (b *batch) upscale(ctx context.Context, source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	res, err := b.client.SubmitFile(ctx, source, b.params)
	if err != nil {
		return err
	}
	view, err := b.client.Wait(ctx, res.JobID, pollInterval, nil)
	if err != nil {
		return err
	}
	if view.Status != models.JobStatusCompleted {
		if view.ErrorDetail != nil {
			return fmt.Errorf("job %s %s: %s", view.ID, view.Status, view.ErrorDetail.Message)
		}
		return fmt.Errorf("job %s %s: %s", view.ID, view.Status, view.Message)
	}
	if _, err := saveOutput(ctx, b.client, res.JobID, filepath.Dir(target), target); err != nil {
		return err
	}
	if err := b.client.Delete(ctx, res.JobID); err != nil {
		b.mu.Lock()
		fmt.Fprintf(b.log, "warning: job %s was not deleted: %v\n", res.JobID, err)
		b.mu.Unlock()
	}
	return nil
}

func (b *batch) record(rel, outcome string, err error, counter *int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	*counter++
	b.done++
	if err != nil {
		b.summary.Failures = append(b.summary.Failures, batchFailure{Path: filepath.ToSlash(rel), Error: err.Error()})
	}
	fmt.Fprintf(b.log, "[%d/%d] %s: %s\n", b.done, b.summary.Total, rel, outcome)
}

func writeFailureReport(dir string, failures []batchFailure) (string, error) {
	data, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, failureReport)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
