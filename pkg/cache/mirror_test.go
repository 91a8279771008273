package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/cache"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
)

// setupRedis starts a Redis container and returns its URL
func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return "redis://" + host + ":" + port.Port()
}

func TestNewMirrorRejectsBadURL(t *testing.T) {
	_, err := cache.NewMirror("mysql://nope", time.Minute, logging.Discard())
	assert.Error(t, err)
}

func TestChangesCoalescePerJob(t *testing.T) {
	m, err := cache.NewMirror("redis://127.0.0.1:1", time.Minute, logging.Discard())
	require.NoError(t, err)

	job := models.Job{ID: "a", Status: models.JobStatusPending, CreatedAt: time.Now()}
	m.JobChanged(job)
	job.Status = models.JobStatusQueued
	m.JobChanged(job)
	m.JobDeleted("b")
	assert.Equal(t, 2, m.Pending())

	// unreachable server: the batch is kept for the next attempt
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Flush(ctx))
	assert.Equal(t, 2, m.Pending())
}

func TestMirrorFollowsRegistry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	m, err := cache.NewMirror(setupRedis(t), time.Minute, logging.Discard())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Ping(ctx))
	m.Start()
	t.Cleanup(func() { m.Stop(ctx) })

	reg := store.NewMemoryRegistry()
	reg.Observe(m)

	require.NoError(t, reg.Create(models.Job{ID: "job-1", Status: models.JobStatusPending, CreatedAt: time.Now()}))
	_, err = reg.Update("job-1", func(j *models.Job) error {
		return j.Transition(models.JobStatusProcessing, "started", time.Now())
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, found, err := m.Get(ctx, "job-1")
		return err == nil && found && view.Status == models.JobStatusProcessing
	}, 5*time.Second, 20*time.Millisecond)

	_, err = reg.Delete("job-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, found, err := m.Get(ctx, "job-1")
		return err == nil && !found
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStopFlushesPendingChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	url := setupRedis(t)
	m, err := cache.NewMirror(url, time.Minute, logging.Discard())
	require.NoError(t, err)
	m.JobChanged(models.Job{ID: "late", Status: models.JobStatusCompleted, CreatedAt: time.Now()})
	require.NoError(t, m.Stop(context.Background()))

	reader, err := cache.NewMirror(url, time.Minute, logging.Discard())
	require.NoError(t, err)
	defer reader.Stop(context.Background())
	view, found, err := reader.Get(context.Background(), "late")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.JobStatusCompleted, view.Status)
}
