package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chaz8081/coldsend/internal/service"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		service.Status
	}{true, st})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimeoutMS int `json:"timeoutMs"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	timeout := s.cfg.ScanTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	devices, err := s.svc.Scan(r.Context(), timeout)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": devices})
}

func (s *Server) handleDiscovered(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.svc.Discovered()})
}

type deviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "Device ID required")
		return
	}
	d, err := s.svc.Connect(r.Context(), req.DeviceID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "device": d})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "Device ID required")
		return
	}
	ok, err := s.svc.Disconnect(r.Context(), req.DeviceID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok})
}

func (s *Server) handleSetProtocol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Protocol string `json:"protocol"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Protocol == "" {
		writeError(w, http.StatusBadRequest, "Invalid protocol")
		return
	}
	id, err := s.svc.SetProtocol(req.Protocol)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "protocol": req.Protocol, "adapterId": id})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid connection mode")
		return
	}
	mode, err := s.svc.SetConnectionMode(req.Mode)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mode": mode})
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text   string `json:"text"`
		Target string `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "Missing text")
		return
	}
	job, err := s.svc.SubmitText(req.Text, req.Target)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": job.ID})
}

func (s *Server) handleBroadcastText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "Missing text")
		return
	}
	n, err := s.svc.BroadcastText(req.Text)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "clientCount": n})
}

// handleSendFile accepts a multipart upload in field "file". With
// broadcast=true the file goes to live subscribers instead of the queue.
func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	if header.Size > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	target := r.FormValue("target")

	if r.FormValue("broadcast") == "true" {
		s.broadcastFile(w, file, header)
		return
	}

	path, err := s.storeUpload(file, header.Filename)
	if err != nil {
		slog.Error("[HTTP] storing upload failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Could not store upload")
		return
	}
	job, err := s.svc.SubmitFile(service.FileUpload{Path: path, Name: header.Filename, Size: header.Size}, target)
	if err != nil {
		os.Remove(path)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"id":       job.ID,
		"status":   job.Status,
		"filename": header.Filename,
		"size":     header.Size,
	})
}

func (s *Server) broadcastFile(w http.ResponseWriter, file multipart.File, header *multipart.FileHeader) {
	if limit := s.cfg.MaxBroadcastBytes; limit > 0 && header.Size > limit {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("File too large for broadcast. Max size: %dMB", limit>>20))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read upload")
		return
	}
	n, err := s.svc.BroadcastFile(data, header.Filename, header.Size)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"clientCount": n,
		"filename":    header.Filename,
		"size":        header.Size,
		"broadcast":   true,
	})
}

// storeUpload copies an upload into the upload directory under a unique
// name that keeps the original base name and extension.
func (s *Server) storeUpload(src io.Reader, original string) (string, error) {
	name := uniqueName(original)
	path := filepath.Join(s.cfg.UploadDir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func uniqueName(original string) string {
	original = filepath.Base(original)
	ext := filepath.Ext(original)
	if ext == "" {
		ext = ".bin"
	}
	base := strings.TrimSuffix(original, filepath.Ext(original))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "upload"
	}
	return fmt.Sprintf("%s-%d-%s%s", base, time.Now().UnixMilli(), uuid.NewString()[:8], ext)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.svc.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
