// Package api provides the HTTP server and handlers for the welcome app.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/welcomeapp/welcomeapp/internal/content"
	"github.com/welcomeapp/welcomeapp/internal/failover"
	"github.com/welcomeapp/welcomeapp/internal/health"
	"github.com/welcomeapp/welcomeapp/internal/logging"
	"github.com/welcomeapp/welcomeapp/internal/metrics"
	"github.com/welcomeapp/welcomeapp/internal/storage"
)

// multipartOverhead is the slack allowed on top of the image size for the
// rest of the form.
const multipartOverhead = 1 << 20

// Config holds server settings.
type Config struct {
	MaxUploadSize int64
	CORSOrigin    string
}

// Server is the HTTP server.
type Server struct {
	content       *content.Coordinator
	health        *health.Reporter
	blobs         storage.Backend
	maxUploadSize int64
	corsOrigin    string
	now           func() time.Time
}

// NewServer creates a new server.
func NewServer(coord *content.Coordinator, reporter *health.Reporter, cfg Config) *Server {
	s := &Server{
		content:       coord,
		health:        reporter,
		blobs:         coord.Blobs(),
		maxUploadSize: cfg.MaxUploadSize,
		corsOrigin:    cfg.CORSOrigin,
		now:           time.Now,
	}
	if s.maxUploadSize <= 0 {
		s.maxUploadSize = content.DefaultMaxSize
	}
	return s
}

// Handler returns the HTTP handler with logging, metrics and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/time", s.handleTime)

	mux.HandleFunc("GET /api/content", s.handleList)
	mux.HandleFunc("POST /api/content", s.handleCreate)
	mux.HandleFunc("DELETE /api/content/{id}", s.handleDelete)

	mux.HandleFunc("GET /images/{filename}", s.handleImage)
	mux.HandleFunc("HEAD /images/{filename}", s.handleImageHead)

	// metrics must sit inside logging so it sees the pattern set by the mux
	return logging.Middleware(metrics.Middleware(s.cors(mux)))
}

func (s *Server) cors(next http.Handler) http.Handler {
	if s.corsOrigin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.health.Report(r.Context())
	if !rep.Healthy() {
		s.sendJSON(w, http.StatusInternalServerError, map[string]string{"status": string(health.StatusDegraded)})
		return
	}
	s.sendJSON(w, http.StatusOK, rep)
}

// handleTime handles GET /api/time
func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	s.sendJSON(w, http.StatusOK, map[string]string{
		"time":     now.Format("15:04:05"),
		"date":     now.Format("January 02, 2006"),
		"greeting": greeting(now.Hour()),
	})
}

func greeting(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "Good Morning"
	case hour >= 12 && hour < 17:
		return "Good Afternoon"
	case hour >= 17 && hour < 21:
		return "Good Evening"
	default:
		return "Good Night"
	}
}

type contentItem struct {
	content.Record
	ImageURL string `json:"image_url"`
}

func imageURL(filename string) string { return "/images/" + filename }

// handleList handles GET /api/content
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.content.List(r.Context())
	if err != nil {
		s.sendContentError(w, r, err)
		return
	}

	items := make([]contentItem, 0, len(records))
	for _, rec := range records {
		items = append(items, contentItem{Record: rec, ImageURL: imageURL(rec.ImageFilename)})
	}
	s.sendJSON(w, http.StatusOK, items)
}

// handleCreate handles POST /api/content
// Multipart form with a "quote" field and an "image" file.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(s.maxUploadSize + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "No image file provided")
		return
	}
	defer file.Close()

	quote := r.FormValue("quote")
	if quote == "" {
		s.sendError(w, http.StatusBadRequest, "Quote is required")
		return
	}
	if header.Filename == "" {
		s.sendError(w, http.StatusBadRequest, "No file selected")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadSize+1))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	rec, err := s.content.Create(r.Context(), quote, data, content.ExtensionOf(header.Filename))
	if err != nil {
		s.sendContentError(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, map[string]any{
		"id":        rec.ID,
		"message":   "Content added successfully",
		"image_url": imageURL(rec.ImageFilename),
	})
}

// handleDelete handles DELETE /api/content/{id}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid content id")
		return
	}

	if err := s.content.Delete(r.Context(), id); err != nil {
		s.sendContentError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Content deleted successfully"})
}

// handleImage handles GET /images/{filename}
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if !validImageName(name) {
		s.sendError(w, http.StatusNotFound, "image not found")
		return
	}

	rc, size, err := s.blobs.GetObject(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "image not found")
			return
		}
		logging.WithContext(r.Context()).Error("failed to read image", zap.String("filename", name), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to read image")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", imageType(name))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// handleImageHead handles HEAD /images/{filename} without reading the image.
func (s *Server) handleImageHead(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	if !validImageName(name) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ok, err := s.blobs.ObjectExists(r.Context(), name)
	switch {
	case err != nil:
		logging.WithContext(r.Context()).Error("failed to stat image", zap.String("filename", name), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
	case !ok:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.Header().Set("Content-Type", imageType(name))
		w.WriteHeader(http.StatusOK)
	}
}

func validImageName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.ContainsAny(name, `/\`)
}

func imageType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// sendContentError maps coordinator errors to status codes.
func (s *Server) sendContentError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *content.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, content.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "content not found")
	default:
		// The error names endpoints and driver detail; keep it in the log.
		log := logging.WithContext(r.Context())
		if errors.Is(err, failover.ErrAllEndpointsUnavailable) {
			log.Error("no database endpoint available", zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "database unavailable")
			return
		}
		log.Error("content request failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal server error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}
