package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/catalog-import/internal/logging"
	"github.com/JonMunkholm/catalog-import/internal/progress"
)

// multipartOverhead is the slack allowed above MaxFileSize for multipart
// boundaries and part headers.
const multipartOverhead = 1 << 20

// copyChunk is the write size used when persisting uploads.
const copyChunk = 1 << 20

var (
	errNoFile       = errors.New("no file provided")
	errFileTooLarge = errors.New("file too large")
)

// UploadResponse is returned once an upload has been queued.
type UploadResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// handleUpload streams the "file" part to UPLOAD_DIR/{id}.csv and queues
// an import job for it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFileSize+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "expected a multipart/form-data upload", err)
		return
	}

	part, err := filePart(mr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errNoFile.Error(), err)
		return
	}
	defer part.Close()

	if !strings.EqualFold(filepath.Ext(part.FileName()), ".csv") {
		writeError(w, r, http.StatusBadRequest, "Only CSV files are allowed", nil)
		return
	}

	id := uuid.NewString()
	logger := logging.WithFields(r.Context(), "job_id", id, "file", part.FileName())

	path, size, err := s.saveUpload(id, part)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.Is(err, errFileTooLarge) || errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds the %d byte limit", s.opts.MaxFileSize), err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, "could not store upload", err)
		return
	}

	if err := s.jobs.Submit(r.Context(), id, path, size); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			logger.Warn("remove orphaned upload failed", "error", rmErr)
		}
		writeError(w, r, http.StatusServiceUnavailable, "could not queue import", err)
		return
	}

	logger.Info("upload queued", "bytes", size)
	writeJSON(w, http.StatusAccepted, UploadResponse{
		TaskID:  id,
		Message: "File upload started. Processing in background.",
	})
}

// filePart advances mr to the part named "file".
func filePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// saveUpload copies src to the upload directory. A partial file is removed
// on failure.
func (s *Server) saveUpload(id string, src io.Reader) (path string, size int64, err error) {
	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}

	dst := filepath.Join(s.opts.UploadDir, id+".csv")
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close upload file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	buf := make([]byte, copyChunk)
	size, err = io.CopyBuffer(f, io.LimitReader(src, s.opts.MaxFileSize+1), buf)
	if err != nil {
		return "", 0, fmt.Errorf("write upload file: %w", err)
	}
	if size > s.opts.MaxFileSize {
		return "", 0, errFileTooLarge
	}
	return dst, size, nil
}

// handleProgress streams a job's snapshots as server-sent events until a
// terminal status or client disconnect.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(jobID); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid job ID", err)
		return
	}
	logger := logging.WithFields(r.Context(), "job_id", jobID)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Error("streaming not supported", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.streams, cancel)
	defer stop()

	obs := &sseObserver{w: w, rc: rc}
	if err := s.relay.Run(ctx, jobID, obs); err != nil {
		logger.Warn("progress stream ended early", "error", err)
	}
}

// handleStatus returns the cached snapshot for a job.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(jobID); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid job ID", err)
		return
	}

	snap, ok, err := s.status.Latest(r.Context(), jobID)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "could not read job status", err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// sseObserver writes relayed snapshots as SSE data lines.
type sseObserver struct {
	w  io.Writer
	rc *http.ResponseController
}

func (o *sseObserver) Send(s progress.Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(o.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return o.rc.Flush()
}

func (o *sseObserver) Ping() error {
	if _, err := io.WriteString(o.w, ": ping\n\n"); err != nil {
		return err
	}
	return o.rc.Flush()
}
