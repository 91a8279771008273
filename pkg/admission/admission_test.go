package admission

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/artifact"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/metrics"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type readiness bool

func (r readiness) IsReady() bool { return bool(r) }

type fixture struct {
	controller *Controller
	registry   *store.MemoryRegistry
	files      *artifact.FileStore
	queue      *recordingQueue
	root       string
}

func newFixture(t *testing.T, ready bool) *fixture {
	t.Helper()
	root := t.TempDir()
	files, err := artifact.NewFileStore(root)
	require.NoError(t, err)
	reg := store.NewMemoryRegistry()
	q := &recordingQueue{}
	c := NewController(DefaultConfig(), reg, files, q, readiness(ready), metrics.New(), nil, logging.Discard())
	return &fixture{controller: c, registry: reg, files: files, queue: q, root: root}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	f := newFixture(t, true)
	data := []byte("fake png bytes")

	id, err := f.controller.Submit(context.Background(), Submission{Data: data, Filename: "cat.PNG"})
	require.NoError(t, err)
	require.Len(t, id, 36)

	job, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, float64(0), job.Progress)
	assert.Equal(t, float64(DefaultScale), job.Params.Scale)
	assert.Equal(t, "png", job.Input.Format)
	assert.Equal(t, "cat.PNG", job.Input.Filename)
	require.NotNil(t, job.EstimatedTotalTime)
	assert.Equal(t, 15, *job.EstimatedTotalTime)
	assert.Equal(t, []string{id}, f.queue.ids)

	stored, err := f.files.Get(context.Background(), job.Input)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestSubmitRejections(t *testing.T) {
	big := make([]byte, DefaultMaxFileSize+1)
	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{name: "unsupported format", sub: Submission{Data: []byte("x"), Filename: "doc.pdf"}, want: models.ErrUnsupportedFormat},
		{name: "missing extension", sub: Submission{Data: []byte("x"), Filename: "noext"}, want: models.ErrUnsupportedFormat},
		{name: "empty payload", sub: Submission{Filename: "a.png"}, want: models.ErrEmptyPayload},
		{name: "too large", sub: Submission{Data: big, Filename: "a.png"}, want: models.ErrPayloadTooLarge},
		{name: "scale too big", sub: Submission{Data: []byte("x"), Filename: "a.png", Params: models.ProcessingParams{Scale: 16}}, want: models.ErrInvalidParams},
		{name: "scale too small", sub: Submission{Data: []byte("x"), Filename: "a.png", Params: models.ProcessingParams{Scale: 0.5}}, want: models.ErrInvalidParams},
		{name: "negative tile", sub: Submission{Data: []byte("x"), Filename: "a.png", Params: models.ProcessingParams{TileSize: -1}}, want: models.ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			_, err := f.controller.Submit(context.Background(), tt.sub)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, f.registry.Len())
			assert.Equal(t, 0, countFiles(t, filepath.Join(f.root, "inputs")))
		})
	}
}

func TestFormatOverrideAndAliases(t *testing.T) {
	f := newFixture(t, true)
	id, err := f.controller.Submit(context.Background(), Submission{Data: []byte("x"), Filename: "upload", Format: ".JPEG"})
	require.NoError(t, err)
	job, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", job.Input.Format)
	assert.True(t, strings.HasSuffix(job.Input.Path, id+".jpeg"))
}

func TestSubmitRequiresReadyEngine(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.controller.Submit(context.Background(), Submission{Data: []byte("x"), Filename: "a.png"})
	assert.ErrorIs(t, err, models.ErrEngineNotReady)
	assert.Equal(t, 0, f.registry.Len())
}

type failingStore struct{ *artifact.FileStore }

func (failingStore) Put(context.Context, string, artifact.Kind, string, []byte) (models.ArtifactDescriptor, error) {
	return models.ArtifactDescriptor{}, &models.StorageError{Op: "write", Path: "x", Err: errors.New("read-only file system")}
}

func TestStorageFailureCreatesNoJob(t *testing.T) {
	f := newFixture(t, true)
	f.controller.artifacts = failingStore{f.files}

	_, err := f.controller.Submit(context.Background(), Submission{Data: []byte("x"), Filename: "a.png"})
	var storageErr *models.StorageError
	assert.ErrorAs(t, err, &storageErr)
	assert.Equal(t, 0, f.registry.Len())
}

func TestRegistryFailureRemovesInput(t *testing.T) {
	f := newFixture(t, true)
	f.controller.newID = func() string { return "fixed" }
	require.NoError(t, f.registry.Create(models.Job{ID: "fixed", Status: models.JobStatusPending}))

	_, err := f.controller.Submit(context.Background(), Submission{Data: []byte("y"), Filename: "b.png"})
	assert.ErrorIs(t, err, models.ErrJobExists)
	assert.Equal(t, 1, f.registry.Len())
	assert.Equal(t, 0, countFiles(t, filepath.Join(f.root, "inputs")))
}

func TestEnqueueFailureFailsJob(t *testing.T) {
	f := newFixture(t, true)
	f.queue.err = models.ErrPoolStopped
	f.controller.newID = func() string { return "job" }

	_, err := f.controller.Submit(context.Background(), Submission{Data: []byte("x"), Filename: "a.png"})
	assert.ErrorIs(t, err, models.ErrPoolStopped)

	job, err := f.registry.Get("job")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.CodeShutdown, job.ErrorDetail.Code)
}

func TestConcurrentSubmitsGetUniqueIDs(t *testing.T) {
	f := newFixture(t, true)
	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.controller.Submit(context.Background(), Submission{Data: []byte("x"), Filename: "a.webp"})
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 20, f.registry.Len())
}

func TestEstimateSubmit(t *testing.T) {
	assert.Equal(t, 15, EstimateSubmit(100))
	assert.Equal(t, 30, EstimateSubmit(3<<20))
}
