package http

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"variant-studio/internal/domain"
	"variant-studio/internal/service"
	"variant-studio/internal/storage"
	"variant-studio/internal/variant"
)

type RunResponse struct {
	ID           string            `json:"id"`
	Kind         domain.MediaKind  `json:"kind"`
	Status       domain.RunStatus  `json:"status"`
	BatchSize    int               `json:"batch_size"`
	Intensity    int               `json:"intensity"`
	Transforms   string            `json:"transforms"`
	SourceCount  int               `json:"source_count"`
	VariantCount int               `json:"variant_count"`
	ZipFilename  string            `json:"zip_filename"`
	S3Location   string            `json:"s3_location"`
	ErrorMessage string            `json:"error_message"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	BackedUpAt   *string           `json:"backed_up_at,omitempty"`
	Files        []RunFileResponse `json:"files"`
}

type RunFileResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

type processFunc func(ctx context.Context, userID int64, uploads []service.Upload, opts variant.Options) (*domain.Run, error)

func (h *Handler) processImages(c *gin.Context) {
	h.process(c, "images", h.Runs.ProcessImages)
}

func (h *Handler) processVideos(c *gin.Context) {
	h.process(c, "videos", h.Runs.ProcessVideos)
}

func (h *Handler) process(c *gin.Context, field string, run processFunc) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		if isMaxBytes(err) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid multipart form: %v", err)})
		return
	}

	opts, err := parseOptions(form)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	headers := form.File[field]
	uploads := make([]service.Upload, len(headers))
	for i, fh := range headers {
		uploads[i] = service.Upload{
			Name: fh.Filename,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		}
	}

	result, err := run(c.Request.Context(), currentUserID(c), uploads, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"zip_filename": result.ZipName,
		"run_id":       result.ID,
	})
}

// parseOptions reads batch settings from the form. Transform flags are
// enabled by their presence, whatever their value.
func parseOptions(form *multipart.Form) (variant.Options, error) {
	opts := variant.Options{
		BatchSize: variant.DefaultBatchSize,
		Intensity: variant.DefaultIntensity,
	}
	has := func(key string) bool {
		_, ok := form.Value[key]
		return ok
	}
	value := func(key string) string {
		if v := form.Value[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	if v := value("batch_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, fmt.Errorf("invalid batch_size %q", v)
		}
		opts.BatchSize = n
	}
	if v := value("intensity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("invalid intensity %q", v)
		}
		opts.Intensity = n
	}
	if v := value("seed"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid seed %q", v)
		}
		opts.Seed = &seed
	}

	opts.Transforms = variant.Transforms{
		Contrast:       has("adjust_contrast"),
		Brightness:     has("adjust_brightness"),
		Rotate:         has("rotate"),
		Crop:           has("crop"),
		FlipHorizontal: has("flip_horizontal"),
	}
	return opts, nil
}

func (h *Handler) listRuns(c *gin.Context) {
	runs, err := h.Runs.ListRuns(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = runToResponse(runs[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getRun(c *gin.Context) {
	run, err := h.Runs.GetRun(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runToResponse(*run))
}

func (h *Handler) deleteRun(c *gin.Context) {
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	runID := c.Param("id")
	warnings, err := h.Runs.DeleteRun(c.Request.Context(), currentUserID(c), runID, deleteRemote)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"deleted": runID}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) backupURL(c *gin.Context) {
	url, err := h.Runs.BackupURL(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) downloadZip(c *gin.Context) {
	path, err := h.Runs.ArchivePath(c.Request.Context(), currentUserID(c), c.Param("filename"))
	if err != nil {
		writeError(c, err)
		return
	}
	sendAttachment(c, path)
}

func (h *Handler) listObjects(c *gin.Context) {
	objects, err := h.Runs.ListRemoteObjects(c.Request.Context(), currentUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func runToResponse(run domain.Run) RunResponse {
	resp := RunResponse{
		ID:           run.ID,
		Kind:         run.Kind,
		Status:       run.Status,
		BatchSize:    run.BatchSize,
		Intensity:    run.Intensity,
		Transforms:   run.Transforms,
		SourceCount:  run.SourceCount,
		VariantCount: run.VariantCount,
		ZipFilename:  run.ZipName,
		S3Location:   run.S3Location,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    run.UpdatedAt.Format(time.RFC3339),
		Files:        make([]RunFileResponse, len(run.Files)),
	}
	if run.BackedUpAt != nil {
		v := run.BackedUpAt.Format(time.RFC3339)
		resp.BackedUpAt = &v
	}

	for i := range run.Files {
		resp.Files[i] = RunFileResponse{
			ID:   run.Files[i].ID,
			Name: run.Files[i].Name,
			Size: run.Files[i].Size,
		}
	}
	return resp
}
