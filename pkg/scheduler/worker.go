package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"

	"github.com/RuthlessXdream/anime-image-upscaler-api/internal/imageinfo"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/artifact"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/progress"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/tracing"
)

// errCancelled marks a run that stopped because the job was cancelled
var errCancelled = errors.New("job cancelled")

// EstimateTotal returns the expected processing time in seconds for an
// image of the given pixel count
func EstimateTotal(pixels int) int {
	return int(math.Max(10, float64(pixels)/100000))
}

// execute runs one job to a terminal state. It never panics.
func (p *Pool) execute(ctx context.Context, id string) {
	ctx, span := p.tracer.StartSpan(ctx, "job.process", attribute.String("job.id", id))
	defer span.End()

	logger := p.logger.WithField("job_id", id)

	job, err := p.registry.Update(id, func(j *models.Job) error {
		if j.CancelRequested {
			return j.Transition(models.JobStatusCancelled, "cancelled before start", p.now())
		}
		if err := j.Transition(models.JobStatusProcessing, "worker started", p.now()); err != nil {
			return err
		}
		j.Message = "Processing"
		return nil
	})
	if err != nil {
		// cancelled or deleted while waiting
		logger.Debug("Skipping job", logging.Fields{"error": err})
		return
	}
	if job.Status != models.JobStatusProcessing {
		p.metrics.JobFinished(string(job.Status), 0)
		return
	}
	p.metrics.JobStarted(job.StartedAt.Sub(job.CreatedAt))
	logger.Info("Job started")

	tracker := progress.NewTracker(p.registry, id)
	stop := tracker.Start(ctx, p.config.ProgressRefresh)

	var res result
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Job panicked", logging.Fields{"panic": fmt.Sprint(r), "stack": string(debug.Stack())})
				res = result{err: &models.EngineError{Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		res = p.run(ctx, job, tracker)
	}()
	stop()

	final := p.finish(ctx, id, res)
	if final.ID == "" {
		return
	}
	span.SetAttributes(attribute.String("job.status", string(final.Status)))
	if res.err != nil && final.Status == models.JobStatusFailed {
		tracing.SetError(ctx, res.err)
	}

	processing := final.Elapsed(p.now())
	p.metrics.JobFinished(string(final.Status), processing)

	fields := logging.Fields{"status": final.Status, "processing_time": processing.Seconds()}
	if final.ErrorDetail != nil {
		fields["error_code"] = final.ErrorDetail.Code
		fields["error"] = final.ErrorDetail.Message
	}
	logger.Info("Job finished", fields)
}

type result struct {
	output     *models.ArtifactDescriptor
	resolution string
	err        error
}

// run performs the milestones of a job up to and including the output write
func (p *Pool) run(ctx context.Context, job models.Job, tracker *progress.Tracker) result {
	data, err := p.artifacts.Get(ctx, job.Input)
	if err != nil {
		return result{err: err}
	}
	if err := p.milestone(ctx, tracker, progress.Read); err != nil {
		return result{err: err}
	}

	info, err := imageinfo.Probe(data)
	if err != nil {
		return result{err: &models.EngineError{Err: err}}
	}
	_, err = p.registry.Update(job.ID, func(j *models.Job) error {
		j.InputResolution = info.Resolution()
		estimate := EstimateTotal(info.Pixels())
		j.EstimatedTotalTime = &estimate
		progress.Apply(j, progress.Preprocessed, p.now())
		return nil
	})
	if err != nil {
		return result{err: err}
	}
	if err := p.milestone(ctx, tracker, progress.TransformStarted); err != nil {
		return result{err: err}
	}

	out, meta, err := p.enhance(ctx, data, job.Params)
	if err != nil {
		return result{err: err}
	}
	if err := p.milestone(ctx, tracker, progress.TransformDone); err != nil {
		return result{err: err}
	}

	if current, err := p.registry.Get(job.ID); err != nil {
		return result{err: err}
	} else if current.CancelRequested {
		return result{err: errCancelled}
	}

	format := meta.Format
	outInfo, probeErr := imageinfo.Probe(out)
	if format == "" && probeErr == nil {
		format = outInfo.Extension()
	}
	if format == "" {
		format = job.Input.Format
	}

	desc, err := p.artifacts.Put(ctx, job.ID, artifact.KindOutput, format, out)
	if err != nil {
		return result{err: err}
	}
	desc.Filename = "upscaled_" + job.ID + "." + desc.Format

	res := result{output: &desc}
	if probeErr == nil {
		res.resolution = outInfo.Resolution()
	} else if meta.Width > 0 {
		res.resolution = fmt.Sprintf("%dx%d", meta.Width, meta.Height)
	}
	return res
}

// milestone records a checkpoint and marks it on the job span
func (p *Pool) milestone(ctx context.Context, tracker *progress.Tracker, m progress.Milestone) error {
	if err := tracker.Milestone(m); err != nil {
		return err
	}
	tracing.AddEvent(ctx, m.Step, attribute.Float64("job.progress", m.Percent))
	return nil
}

// enhance calls the engine under the timeout ceiling and converts panics
// into engine errors
func (p *Pool) enhance(ctx context.Context, data []byte, params models.ProcessingParams) (out []byte, meta engine.Metadata, err error) {
	callCtx := ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Engine panicked", logging.Fields{"panic": fmt.Sprint(r), "stack": string(debug.Stack())})
			out, err = nil, &models.EngineError{Err: fmt.Errorf("engine panic: %v", r)}
		}
	}()

	out, meta, err = p.engine.Enhance(callCtx, data, params)
	// late output past the ceiling is discarded
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, meta, fmt.Errorf("%w after %s", models.ErrTimeout, p.config.TaskTimeout)
	}
	if err == nil && len(out) == 0 {
		return nil, meta, &models.EngineError{Err: errors.New("engine returned an empty image")}
	}
	return out, meta, err
}

// finish records the terminal state of a job
func (p *Pool) finish(ctx context.Context, id string, res result) models.Job {
	now := p.now()
	var discard *models.ArtifactDescriptor

	job, err := p.registry.Update(id, func(j *models.Job) error {
		switch {
		case j.CancelRequested:
			discard = res.output
			j.Message = "Cancelled"
			j.CurrentStep = "Cancelled"
			return j.Transition(models.JobStatusCancelled, "cancelled while processing", now)

		case res.err == nil:
			progress.Apply(j, progress.Written, now)
			j.Output = res.output
			j.OutputResolution = res.resolution
			if err := j.Transition(models.JobStatusCompleted, "upscaling finished", now); err != nil {
				return err
			}
			j.Message = fmt.Sprintf("Upscaling completed in %.1fs", j.ProcessingTime)
			return nil

		default:
			detail := models.Detail(res.err)
			if ctx.Err() != nil && errors.Is(res.err, context.Canceled) {
				detail = &models.ErrorDetail{Code: models.CodeShutdown, Message: "processing was interrupted by shutdown"}
			}
			j.ErrorDetail = detail
			j.Message = "Processing failed: " + detail.Message
			j.CurrentStep = "Failed"
			return j.Transition(models.JobStatusFailed, detail.Code, now)
		}
	})
	if err != nil {
		p.logger.Error("Failed to record job outcome", logging.Fields{"job_id": id, "error": err})
	}
	if discard != nil {
		if err := p.artifacts.Discard(context.WithoutCancel(ctx), *discard); err != nil {
			p.logger.Warn("Failed to discard output of cancelled job", logging.Fields{"job_id": id, "error": err})
		}
	}
	return job
}
