package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/store"
)

type uploadFile struct {
	Name string `json:"name" validate:"required"`
	Data string `json:"data" validate:"required,base64"`
}

type uploadReq struct {
	DeviceName    string       `json:"device_name" validate:"required"`
	ScheduledTime int64        `json:"scheduled_time" validate:"gt=0"`
	Title         string       `json:"title"`
	Content       string       `json:"content"`
	Files         []uploadFile `json:"files" validate:"required,min=1,dive"`
}

type uploadResp struct {
	UploadID int64             `json:"upload_id"`
	TaskID   int64             `json:"task_id"`
	Status   domain.TaskStatus `json:"status"`
	Error    string            `json:"error,omitempty"`
}

// createUpload stores the files for a device and queues a task for them. If
// the files cannot be written the task is recorded as UPERR.
func (s *Server) createUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadReq
	if !s.decode(w, r, &req) {
		return
	}
	names := make([]string, len(req.Files))
	for i, f := range req.Files {
		name := filepath.Base(f.Name)
		if name == "." || name == ".." || name == string(filepath.Separator) {
			http.Error(w, fmt.Sprintf("invalid file name %q", f.Name), http.StatusBadRequest)
			return
		}
		names[i] = name
	}

	ctx := r.Context()
	if _, err := s.repo.GetDevice(ctx, req.DeviceName); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown device "+req.DeviceName, http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	uploadID, err := s.repo.CreateUpload(ctx, domain.Upload{
		DeviceName:    req.DeviceName,
		ScheduledTime: req.ScheduledTime,
		Title:         req.Title,
		Content:       req.Content,
		Files:         names,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := domain.StatusWaiting
	saveErr := s.saveFiles(req, names)
	if saveErr != nil {
		status = domain.StatusUploadError
		log.Error().Err(saveErr).Int64("upload_id", uploadID).Str("device_name", req.DeviceName).Msg("failed to store upload files")
	}

	taskID, err := s.repo.SubmitTask(ctx, domain.Task{
		DeviceName:    req.DeviceName,
		UploadID:      uploadID,
		ScheduledTime: req.ScheduledTime,
		Status:        status,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := uploadResp{UploadID: uploadID, TaskID: taskID, Status: status}
	if saveErr != nil {
		resp.Error = saveErr.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	log.Info().Int64("task_id", taskID).Int64("upload_id", uploadID).Str("device_name", req.DeviceName).Int("files", len(names)).Msg("upload accepted")
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) saveFiles(req uploadReq, names []string) error {
	dir := s.dirs.LocalDir(req.DeviceName, req.ScheduledTime)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i, f := range req.Files {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", names[i], err)
		}
		if err := os.WriteFile(filepath.Join(dir, names[i]), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
