package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/admission"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/api"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/artifact"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/capacity"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/cleanup"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/engine/enginetest"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/scheduler"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/service"
)

func startServer(t *testing.T) string {
	t.Helper()
	files, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sweep := cleanup.DefaultConfig()
	sweep.Enabled = false
	svc, err := service.New(service.Config{
		Admission: admission.DefaultConfig(),
		Scheduler: scheduler.Config{ProgressRefresh: 10 * time.Millisecond},
		Capacity:  capacity.Config{MaxWorkers: 2},
		Cleanup:   sweep,
		Version:   "cli-test",
	}, service.Deps{Engine: enginetest.New(), Artifacts: files, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	srv := httptest.NewServer(api.NewHandler(svc, api.Config{}, logging.Discard()).Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return srv.URL
}

// execute runs the CLI with fresh flag values and returns stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	serverURL, apiKey, outputFormat, cfgFile, caFile, insecure = "", "", "table", "", "", false
	scale, tileSize, model = 0, 0, ""
	waitForJob, downloadDir, followStatus = false, "", false
	pollInterval, resultPath, statusFilter = 10*time.Millisecond, "", ""
	recursive, concurrency = false, 4

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestSubmitWaitAndDownload(t *testing.T) {
	url := startServer(t)
	dir := t.TempDir()
	img := writePNG(t, dir, "cel.png")
	outDir := t.TempDir()

	out, err := execute(t, "--server", url, "-o", "json", "submit", img, "--scale", "2", "--download-dir", outDir, "--interval", "10ms")
	require.NoError(t, err)

	var jobs []models.JobView
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, 2.0, jobs[0].Params.Scale)

	want, err := os.ReadFile(img)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(outDir, "upscaled_"+jobs[0].ID+".png"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	out, err = execute(t, "--server", url, "-o", "json", "list", "--status", "completed")
	require.NoError(t, err)
	var list api.JobListResponse
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, 1, list.Count)

	out, err = execute(t, "--server", url, "status", jobs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, jobs[0].ID)
	assert.Contains(t, out, "completed")

	target := filepath.Join(t.TempDir(), "copy.png")
	_, err = execute(t, "--server", url, "result", jobs[0].ID, "--file", target)
	require.NoError(t, err)
	assert.FileExists(t, target)

	out, err = execute(t, "--server", url, "delete", jobs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	_, err = execute(t, "--server", url, "status", jobs[0].ID)
	assert.ErrorContains(t, err, "JOB_NOT_FOUND")
}

func TestSubmitWithoutWait(t *testing.T) {
	url := startServer(t)
	img := writePNG(t, t.TempDir(), "a.png")

	out, err := execute(t, "--server", url, "-o", "yaml", "submit", img)
	require.NoError(t, err)
	assert.Contains(t, out, "job_id:")
	assert.Contains(t, out, "status_url: /v1/jobs/")
}

func TestSubmitRecursiveMirrorsTree(t *testing.T) {
	url := startServer(t)
	source := t.TempDir()
	target := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(source, "series-1", "ch-2"), 0755))
	writePNG(t, filepath.Join(source, "series-1"), "cover.png")
	writePNG(t, filepath.Join(source, "series-1", "ch-2"), "page.png")
	require.NoError(t, os.WriteFile(filepath.Join(source, "notes.txt"), []byte("skip me"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(source, "broken.png"), []byte("not an image"), 0644))

	// an existing output is left alone
	require.NoError(t, os.MkdirAll(filepath.Join(target, "series-1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "series-1", "cover.png"), []byte("old"), 0644))

	out, err := execute(t, "--server", url, "submit", "--recursive", source, "--download-dir", target, "--concurrency", "2")
	require.ErrorContains(t, err, "1 of 3 images failed")
	assert.Contains(t, out, "Processed 1, skipped 1, failed 1 of 3")

	old, err := os.ReadFile(filepath.Join(target, "series-1", "cover.png"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
	assert.FileExists(t, filepath.Join(target, "series-1", "ch-2", "page.png"))
	assert.NoFileExists(t, filepath.Join(target, "notes.txt"))

	raw, err := os.ReadFile(filepath.Join(target, "failed_files.json"))
	require.NoError(t, err)
	var failures []batchFailure
	require.NoError(t, json.Unmarshal(raw, &failures))
	require.Len(t, failures, 1)
	assert.Equal(t, "broken.png", failures[0].Path)

	// finished jobs are removed from the server
	out, err = execute(t, "--server", url, "-o", "json", "list", "--status", "completed")
	require.NoError(t, err)
	var list api.JobListResponse
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, 0, list.Count)
}

func TestSubmitRecursiveRequiresTarget(t *testing.T) {
	_, err := execute(t, "--server", "http://127.0.0.1:1", "submit", "--recursive", t.TempDir())
	assert.ErrorContains(t, err, "--download-dir")
}

func TestScanImagesSkipsTarget(t *testing.T) {
	source := t.TempDir()
	writePNG(t, source, "a.png")
	require.NoError(t, os.MkdirAll(filepath.Join(source, "out"), 0755))
	writePNG(t, filepath.Join(source, "out"), "a.png")

	images, err := scanImages(source, filepath.Join(source, "out"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png"}, images)
}

func TestSystemCommands(t *testing.T) {
	url := startServer(t)

	out, err := execute(t, "--server", url, "-o", "json", "system")
	require.NoError(t, err)
	var sys service.SystemStatus
	require.NoError(t, json.Unmarshal([]byte(out), &sys))
	assert.Equal(t, "cli-test", sys.Version)
	assert.Equal(t, 2, sys.Capacity)

	out, err = execute(t, "--server", url, "system")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-test")

	out, err = execute(t, "--server", url, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "0")

	out, err = execute(t, "--server", url, "reload")
	require.NoError(t, err)
	assert.Contains(t, out, "capacity 2 -> 2")

	out, err = execute(t, "--server", url, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "-o", "json", "keygen")
	require.NoError(t, err)
	var key generatedKey
	require.NoError(t, json.Unmarshal([]byte(out), &key))
	assert.Len(t, key.Key, 43)
	assert.Contains(t, key.Hash, "$2a$")
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := execute(t, "-o", "xml", "keygen")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestServerFromEnvironment(t *testing.T) {
	url := startServer(t)
	t.Setenv("UPSCALER_URL", url)

	out, err := execute(t, "-o", "json", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 0`)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "3.0 MiB", formatBytes(3<<20))
	assert.Equal(t, "8.0 GiB", formatMiB(8192))
}
