package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/admission"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/logging"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// multipart overhead allowed on top of the file limit
const formOverhead = 1 << 20

// SubmitResponse is returned for an accepted image
type SubmitResponse struct {
	JobID         string           `json:"job_id"`
	Status        models.JobStatus `json:"status"`
	EstimatedTime int              `json:"estimated_time"`
	StatusURL     string           `json:"status_url"`
	ResultURL     string           `json:"result_url"`
}

// Submit handles POST /v1/upscale
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, &models.AdmissionError{Reason: models.ReasonPayloadTooLarge, Detail: fmt.Sprintf("upload exceeds %d bytes", h.config.MaxUploadSize)})
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "expected a multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "form field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "failed to read upload: "+err.Error())
		return
	}

	params, err := parseParams(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	id, err := h.svc.Submit(r.Context(), admission.Submission{
		Data:     data,
		Filename: header.Filename,
		Format:   r.FormValue("format"),
		Params:   params,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeData(w, http.StatusAccepted, "Job accepted", SubmitResponse{
		JobID:         id,
		Status:        models.JobStatusPending,
		EstimatedTime: admission.EstimateSubmit(len(data)),
		StatusURL:     "/v1/jobs/" + id,
		ResultURL:     "/v1/jobs/" + id + "/result",
	})
}

func parseParams(r *http.Request) (models.ProcessingParams, error) {
	var params models.ProcessingParams
	if v := strings.TrimSpace(r.FormValue("scale")); v != "" {
		scale, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return params, &models.AdmissionError{Reason: models.ReasonInvalidParams, Detail: "scale must be a number"}
		}
		params.Scale = scale
	}
	if v := strings.TrimSpace(r.FormValue("tile_size")); v != "" {
		tile, err := strconv.Atoi(v)
		if err != nil {
			return params, &models.AdmissionError{Reason: models.ReasonInvalidParams, Detail: "tile_size must be an integer"}
		}
		params.TileSize = tile
	}
	params.Model = strings.TrimSpace(r.FormValue("model"))
	return params, nil
}

// JobListResponse is the body of GET /v1/jobs
type JobListResponse struct {
	Jobs  []models.JobView `json:"jobs"`
	Count int              `json:"count"`
	Stats models.Stats     `json:"stats"`
}

var knownStatuses = map[models.JobStatus]bool{
	models.JobStatusPending:    true,
	models.JobStatusQueued:     true,
	models.JobStatusProcessing: true,
	models.JobStatusCompleted:  true,
	models.JobStatusFailed:     true,
	models.JobStatusCancelled:  true,
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !knownStatuses[status] {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("unknown status %q", status))
		return
	}
	jobs := h.svc.ListJobs(status)
	writeData(w, http.StatusOK, "", JobListResponse{Jobs: jobs, Count: len(jobs), Stats: h.svc.Stats()})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetStatus(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", view)
}

// GetResult handles GET /v1/jobs/{id}/result
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetResult(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer res.Body.Close()

	contentType := mime.TypeByExtension("." + res.Format)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Filename}))
	w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, res.Body); err != nil {
		h.logger.Warn("Result download interrupted", logging.Fields{"path": r.URL.Path, "error": err})
	}
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Cancel(mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	message := "Job cancelled"
	if view.Status == models.JobStatusProcessing {
		message = "Cancellation requested, the job stops when the engine call returns"
	} else if view.Status != models.JobStatusCancelled {
		message = "Job already finished"
	}
	writeData(w, http.StatusOK, message, view)
}

// DeleteJob handles DELETE /v1/jobs/{id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Job deleted", map[string]string{"job_id": id})
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "", h.svc.Stats())
}

// System handles GET /v1/system
func (h *Handler) System(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "", h.svc.System(r.Context()))
}

// ReloadEngine handles POST /v1/system/engine/reload
func (h *Handler) ReloadEngine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.config.ReloadTimeout)
	defer cancel()

	res, err := h.svc.ReloadEngine(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Engine reloaded", res)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health()
	status := http.StatusOK
	if !health.EngineReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
