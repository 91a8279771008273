package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/admission"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/artifact"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/capacity"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/cleanup"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine/enginetest"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/scheduler"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
)

func testConfig(workers int) Config {
	sweep := cleanup.DefaultConfig()
	sweep.Enabled = false
	return Config{
		Admission: admission.DefaultConfig(),
		Scheduler: scheduler.Config{ProgressRefresh: 10 * time.Millisecond},
		Capacity:  capacity.Config{MaxWorkers: workers},
		Cleanup:   sweep,
		Version:   "test",
	}
}

func startService(t *testing.T, config Config, fake *enginetest.Fake, journal *store.Journal) (*Service, *artifact.FileStore) {
	t.Helper()
	files, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return startServiceWith(t, config, fake, files, journal), files
}

func startServiceWith(t *testing.T, config Config, fake *enginetest.Fake, files *artifact.FileStore, journal *store.Journal) *Service {
	t.Helper()
	svc, err := New(config, Deps{Engine: fake, Artifacts: files, Journal: journal, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func submit(t *testing.T, svc *Service, data []byte) string {
	t.Helper()
	id, err := svc.Submit(context.Background(), admission.Submission{Data: data, Filename: "image.png"})
	require.NoError(t, err)
	return id
}

func waitStatus(t *testing.T, svc *Service, id string, status models.JobStatus) models.JobView {
	t.Helper()
	var view models.JobView
	require.Eventually(t, func() bool {
		var err error
		view, err = svc.GetStatus(id)
		return err == nil && view.Status == status
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", id, status, view.Status)
	return view
}

func readResult(t *testing.T, svc *Service, id string) (*Result, []byte) {
	t.Helper()
	res, err := svc.GetResult(id)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func TestSubmitToCompletion(t *testing.T) {
	svc, _ := startService(t, testConfig(1), enginetest.New(), nil)
	input := pngOf(t, 20, 10)

	id := submit(t, svc, input)
	view := waitStatus(t, svc, id, models.JobStatusCompleted)

	assert.Equal(t, float64(100), view.Progress)
	assert.Equal(t, "/v1/jobs/"+id+"/result", view.DownloadURL)
	assert.Equal(t, "20x10", view.InputResolution)
	assert.Equal(t, "image.png", view.InputFilename)

	res, data := readResult(t, svc, id)
	assert.Equal(t, input, data)
	assert.Equal(t, "upscaled_"+id+".png", res.Filename)
	assert.Equal(t, int64(len(input)), res.Size)
}

func TestCapacityPlusOneQueuesExtraJob(t *testing.T) {
	fake := enginetest.New()
	fake.Gate = make(chan struct{})
	svc, _ := startService(t, testConfig(2), fake, nil)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = submit(t, svc, pngOf(t, i+1, 1))
	}
	waitStatus(t, svc, ids[0], models.JobStatusProcessing)
	waitStatus(t, svc, ids[1], models.JobStatusProcessing)

	extra, err := svc.GetStatus(ids[2])
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, extra.Status)
	assert.Equal(t, 1, extra.QueuePosition)

	fake.Gate <- struct{}{}
	waitStatus(t, svc, ids[2], models.JobStatusProcessing)
	close(fake.Gate)
	for _, id := range ids {
		waitStatus(t, svc, id, models.JobStatusCompleted)
	}
	assert.Equal(t, 2, fake.Peak())
}

func TestUnsupportedFormatCreatesNoJob(t *testing.T) {
	svc, _ := startService(t, testConfig(1), enginetest.New(), nil)

	id, err := svc.Submit(context.Background(), admission.Submission{Data: []byte("GIF89a"), Filename: "anim.gif"})
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
	assert.Empty(t, id)
	assert.Empty(t, svc.ListJobs(""))
	assert.Equal(t, 0, svc.Stats().Total)
}

func TestUnknownJob(t *testing.T) {
	svc, _ := startService(t, testConfig(1), enginetest.New(), nil)

	_, err := svc.GetStatus("00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	_, err = svc.GetResult("missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	_, err = svc.Cancel("missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
	assert.ErrorIs(t, svc.Delete(context.Background(), "missing"), models.ErrJobNotFound)
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	fake := enginetest.New()
	fake.Gate = make(chan struct{})
	svc, _ := startService(t, testConfig(1), fake, nil)

	running := submit(t, svc, pngOf(t, 1, 1))
	waitStatus(t, svc, running, models.JobStatusProcessing)
	queuedInput := pngOf(t, 2, 2)
	queued := submit(t, svc, queuedInput)

	view, err := svc.Cancel(queued)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, view.Status)

	close(fake.Gate)
	waitStatus(t, svc, running, models.JobStatusCompleted)

	for _, call := range fake.Calls() {
		assert.NotEqual(t, queuedInput, call, "cancelled job reached the engine")
	}
	_, err = svc.GetResult(queued)
	assert.ErrorIs(t, err, models.ErrNotReady)

	// cancelling again is a no-op
	view, err = svc.Cancel(queued)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, view.Status)
}

func TestEngineFailureFreesSlotForQueuedJob(t *testing.T) {
	fake := enginetest.New()
	release := make(chan struct{})
	var calls sync.Map
	fake.EnhanceFunc = func(ctx context.Context, img []byte, _ models.ProcessingParams) ([]byte, engine.Metadata, error) {
		if _, seen := calls.LoadOrStore("first", true); !seen {
			<-release
			return nil, engine.Metadata{}, errors.New("out of device memory")
		}
		return append([]byte(nil), img...), engine.Metadata{}, nil
	}
	svc, _ := startService(t, testConfig(1), fake, nil)

	failing := submit(t, svc, pngOf(t, 3, 3))
	waitStatus(t, svc, failing, models.JobStatusProcessing)
	next := submit(t, svc, pngOf(t, 4, 4))
	waitStatus(t, svc, next, models.JobStatusQueued)

	close(release)
	failed := waitStatus(t, svc, failing, models.JobStatusFailed)
	require.NotNil(t, failed.ErrorDetail)
	assert.Equal(t, models.CodeEngineError, failed.ErrorDetail.Code)
	assert.Contains(t, failed.ErrorDetail.Message, "out of device memory")
	assert.Empty(t, failed.DownloadURL)

	waitStatus(t, svc, next, models.JobStatusCompleted)
	stats := svc.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Completed)
}

func TestStatusReadsAreIdempotent(t *testing.T) {
	svc, _ := startService(t, testConfig(1), enginetest.New(), nil)
	id := submit(t, svc, pngOf(t, 5, 5))
	waitStatus(t, svc, id, models.JobStatusCompleted)

	first, err := svc.GetStatus(id)
	require.NoError(t, err)
	second, err := svc.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetResultBeforeCompletion(t *testing.T) {
	fake := enginetest.New()
	fake.Gate = make(chan struct{})
	svc, _ := startService(t, testConfig(1), fake, nil)

	id := submit(t, svc, pngOf(t, 1, 1))
	waitStatus(t, svc, id, models.JobStatusProcessing)
	_, err := svc.GetResult(id)
	assert.ErrorIs(t, err, models.ErrNotReady)
	close(fake.Gate)
}

func TestGetResultAfterOutputRemoved(t *testing.T) {
	svc, files := startService(t, testConfig(1), enginetest.New(), nil)
	id := submit(t, svc, pngOf(t, 2, 2))
	waitStatus(t, svc, id, models.JobStatusCompleted)

	outputs, err := filepath.Glob(filepath.Join(files.Root(), string(artifact.KindOutput), id+".*"))
	require.NoError(t, err)
	require.NotEmpty(t, outputs)
	for _, path := range outputs {
		require.NoError(t, os.Remove(path))
	}

	_, err = svc.GetResult(id)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestDelete(t *testing.T) {
	fake := enginetest.New()
	fake.Gate = make(chan struct{})
	svc, files := startService(t, testConfig(1), fake, nil)

	busy := submit(t, svc, pngOf(t, 1, 1))
	waitStatus(t, svc, busy, models.JobStatusProcessing)
	waiting := submit(t, svc, pngOf(t, 2, 2))

	assert.ErrorIs(t, svc.Delete(context.Background(), busy), models.ErrJobActive)
	require.NoError(t, svc.Delete(context.Background(), waiting))
	_, err := svc.GetStatus(waiting)
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	close(fake.Gate)
	done := waitStatus(t, svc, busy, models.JobStatusCompleted)
	require.NoError(t, svc.Delete(context.Background(), done.ID))

	matches, err := filepath.Glob(filepath.Join(files.Root(), "*", "*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	fake := enginetest.New()
	fake.Gate = make(chan struct{})
	svc, _ := startService(t, testConfig(1), fake, nil)

	first := submit(t, svc, pngOf(t, 1, 1))
	waitStatus(t, svc, first, models.JobStatusProcessing)
	second := submit(t, svc, pngOf(t, 2, 2))

	all := svc.ListJobs("")
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, second, all[1].ID)

	queued := svc.ListJobs(models.JobStatusQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, second, queued[0].ID)
	close(fake.Gate)
}

func TestReloadEngineResizesPool(t *testing.T) {
	fake := enginetest.New()
	config := testConfig(0)
	svc, _ := startService(t, config, fake, nil)
	assert.Equal(t, 2, svc.Health().Capacity, "no device falls back to two workers")

	fake.Device = capacity.Device{Name: "RTX 4090", TotalMiB: 24564}
	res, err := svc.ReloadEngine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.PreviousCapacity)
	assert.Equal(t, 4, res.Capacity)
	assert.True(t, res.Engine.Ready)
	assert.Equal(t, 1, res.Engine.Reloads)
	assert.Equal(t, 1, fake.Unloads())

	system := svc.System(context.Background())
	assert.Equal(t, 4, system.Capacity)
	require.NotNil(t, system.GPU)
	assert.Equal(t, "RTX 4090", system.GPU.Name)
	assert.Equal(t, "test", system.Version)
}

func TestReloadWaitsForRunningJob(t *testing.T) {
	fake := enginetest.New()
	fake.Gate = make(chan struct{})
	svc, _ := startService(t, testConfig(1), fake, nil)

	id := submit(t, svc, pngOf(t, 1, 1))
	waitStatus(t, svc, id, models.JobStatusProcessing)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.ReloadEngine(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(fake.Gate)
	waitStatus(t, svc, id, models.JobStatusCompleted)
	_, err = svc.ReloadEngine(context.Background())
	assert.NoError(t, err)
}

func TestHealthDegradedWhileEngineUnavailable(t *testing.T) {
	fake := enginetest.New()
	svc, _ := startService(t, testConfig(1), fake, nil)
	assert.Equal(t, "healthy", svc.Health().Status)

	fake.SetReady(false)
	h := svc.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.EngineReady)

	_, err := svc.Submit(context.Background(), admission.Submission{Data: pngOf(t, 1, 1), Filename: "a.png"})
	assert.ErrorIs(t, err, models.ErrEngineNotReady)
}

func TestStartRecoversFromJournal(t *testing.T) {
	ctx := context.Background()
	journal, err := store.OpenJournal(filepath.Join(t.TempDir(), "journal.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	files, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	created := time.Now().Add(-time.Minute)
	started := created.Add(time.Second)
	input := pngOf(t, 6, 6)
	for i, status := range []models.JobStatus{models.JobStatusProcessing, models.JobStatusQueued} {
		id := fmt.Sprintf("job-%d", i)
		desc, err := files.Put(ctx, id, artifact.KindInput, "png", input)
		require.NoError(t, err)
		job := models.Job{ID: id, Status: status, CreatedAt: created.Add(time.Duration(i) * time.Second), Input: desc, Params: models.ProcessingParams{Scale: 4}}
		if status == models.JobStatusProcessing {
			job.StartedAt = &started
			job.Progress = 25
		}
		require.NoError(t, journal.Append(ctx, store.EventUpsert, id, &job))
	}

	svc := startServiceWith(t, testConfig(1), enginetest.New(), files, journal)

	interrupted, err := svc.GetStatus("job-0")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, interrupted.Status)
	require.NotNil(t, interrupted.ErrorDetail)
	assert.Equal(t, models.CodeInterrupted, interrupted.ErrorDetail.Code)

	waitStatus(t, svc, "job-1", models.JobStatusCompleted)
	_, data := readResult(t, svc, "job-1")
	assert.Equal(t, input, data)

	// the journal keeps recording after recovery
	jobs, err := journal.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, models.JobStatusCompleted, jobs[1].Status)
}

func TestOutputPresentOnlyWhenCompleted(t *testing.T) {
	fake := enginetest.New()
	fake.Gate = make(chan struct{})
	svc, _ := startService(t, testConfig(1), fake, nil)

	id := submit(t, svc, pngOf(t, 8, 8))
	stop := make(chan struct{})
	violations := make(chan models.JobView, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			v, err := svc.GetStatus(id)
			if err == nil && (v.DownloadURL != "") != (v.Status == models.JobStatusCompleted) {
				select {
				case violations <- v:
				default:
				}
			}
		}
	}()

	close(fake.Gate)
	waitStatus(t, svc, id, models.JobStatusCompleted)
	close(stop)

	select {
	case v := <-violations:
		t.Fatalf("output visible in state %s", v.Status)
	default:
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(1), Deps{})
	assert.Error(t, err)
	_, err = New(testConfig(1), Deps{Engine: enginetest.New()})
	assert.Error(t, err)
}
