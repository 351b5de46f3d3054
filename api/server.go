// Package api exposes search, indexing and previews over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/pablobfonseca/go-media-vector/indexer"
	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/pablobfonseca/go-media-vector/scanner"
	"github.com/pablobfonseca/go-media-vector/search"
	"github.com/pablobfonseca/go-media-vector/thumbnail"
	"github.com/pablobfonseca/go-media-vector/vectorstore"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

const maxUploadSize = 10 << 20 // 10M max upload size

type Server struct {
	search   *search.Engine
	store    vectorstore.Store
	thumbs   *thumbnail.Provider
	dispatch Dispatcher
	defaults search.Query
	router   *mux.Router
}

// NewServer wires the routes. defaults supplies top_k and min_score when a
// search request leaves them out.
func NewServer(engine *search.Engine, store vectorstore.Store, thumbs *thumbnail.Provider, dispatch Dispatcher, defaults search.Query) *Server {
	s := &Server{
		search:   engine,
		store:    store,
		thumbs:   thumbs,
		dispatch: dispatch,
		defaults: defaults,
		router:   mux.NewRouter(),
	}
	s.router.HandleFunc("/api/search", s.searchMedia).Methods("POST")
	s.router.HandleFunc("/api/search/image", s.searchByImage).Methods("POST")
	s.router.HandleFunc("/api/similar/{id}", s.similar).Methods("GET")
	s.router.HandleFunc("/api/index", s.startIndexing).Methods("POST")
	s.router.HandleFunc("/api/progress", s.progress).Methods("GET")
	s.router.HandleFunc("/api/stats", s.stats).Methods("GET")
	s.router.HandleFunc("/api/thumbnail/{id}", s.thumbnail).Methods("GET")
	s.router.HandleFunc("/api/open/{id}", s.open).Methods("GET")
	return s
}

// Handler returns the router behind a permissive CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

type searchRequest struct {
	Query    string   `json:"query"`
	TopK     *int     `json:"top_k"`
	MinScore *float64 `json:"min_score"`
	Kind     string   `json:"kind"`
}

type searchResponse struct {
	Results []models.SearchResult `json:"results"`
	Count   int                   `json:"count"`
}

func (s *Server) query(topK *int, minScore *float64, kind string) (search.Query, error) {
	q := s.defaults
	if topK != nil {
		q.TopK = *topK
	}
	if minScore != nil {
		q.MinScore = *minScore
	}
	k, err := models.ParseMediaKind(kind)
	if err != nil {
		return search.Query{}, err
	}
	q.Kind = k
	return q, nil
}

func (s *Server) searchMedia(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	q, err := s.query(req.TopK, req.MinScore, req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	results, err := s.search.Search(r.Context(), req.Query, q)
	if err != nil {
		writeError(w, "Failed to search", err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results, Count: len(results)})
}

func (s *Server) searchByImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "Invalid upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	file, handler, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Failed to upload file: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	if kind, err := scanner.Classify(handler.Filename); err != nil || kind != models.MediaKindImage {
		writeError(w, "Invalid upload", fmt.Errorf("%w: %s", scanner.ErrUnsupportedExtension, handler.Filename))
		return
	}

	out, err := os.CreateTemp("", "query-*"+filepath.Ext(handler.Filename))
	if err != nil {
		http.Error(w, "Failed to save file: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer os.Remove(out.Name())
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		http.Error(w, "Failed while copying file: "+err.Error(), http.StatusInternalServerError)
		return
	}

	topK, err := formInt(r, "top_k")
	if err != nil {
		http.Error(w, "Invalid top_k", http.StatusBadRequest)
		return
	}
	q, err := s.query(topK, nil, r.FormValue("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	textWeight := 0.5
	if v := r.FormValue("text_weight"); v != "" {
		if _, err := fmt.Sscan(v, &textWeight); err != nil {
			http.Error(w, "Invalid text_weight", http.StatusBadRequest)
			return
		}
	}

	// an optional text query turns this into a blended search
	results, err := s.search.SearchMultimodal(r.Context(), r.FormValue("query"), out.Name(), textWeight, q)
	if err != nil {
		writeError(w, "Failed to search", err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results, Count: len(results)})
}

// similar lists media closest to an indexed record, excluding the record.
func (s *Server) similar(w http.ResponseWriter, r *http.Request) {
	topK, err := formInt(r, "top_k")
	if err != nil {
		http.Error(w, "Invalid top_k", http.StatusBadRequest)
		return
	}
	q, err := s.query(topK, nil, r.FormValue("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q.MinScore = 0

	results, err := s.search.Similar(r.Context(), mux.Vars(r)["id"], q)
	if err != nil {
		writeError(w, "Failed to find similar media", err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results, Count: len(results)})
}

// formInt reads an optional integer form or query value.
func formInt(r *http.Request, key string) (*int, error) {
	v := r.FormValue(key)
	if v == "" {
		return nil, nil
	}
	var n int
	if _, err := fmt.Sscan(v, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

type indexRequest struct {
	FolderPath  string `json:"folder_path"`
	Incremental *bool  `json:"incremental"`
}

func (s *Server) startIndexing(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	incremental := true
	if req.Incremental != nil {
		incremental = *req.Incremental
	}

	state, err := s.dispatch.Dispatch(r.Context(), models.IndexRequest{Root: req.FolderPath, Incremental: incremental})
	if err != nil {
		writeError(w, "Failed to start indexing", err)
		return
	}
	logrus.WithFields(logrus.Fields{"job_id": state.JobID, "root": req.FolderPath}).Info("Indexing requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Indexing started", "job_id": state.JobID})
}

type progressResponse struct {
	models.IndexJobState
	Active   bool    `json:"active"`
	Progress float64 `json:"progress"`
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	state, err := s.dispatch.Progress(r.Context())
	if err != nil {
		writeError(w, "Failed to read progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{IndexJobState: state, Active: state.Running(), Progress: state.Progress()})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, "Failed to read stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_items":   stats.Count,
		"embedding_dim": stats.EmbeddingDim,
		"collection":    models.MediaRecord{}.TableName(),
	})
}

func (s *Server) thumbnail(w http.ResponseWriter, r *http.Request) {
	data, err := s.thumbs.PNG(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "Failed to render thumbnail", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

// open streams the original file so the client can hand it to a viewer.
func (s *Server) open(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "File not found", err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", rec.Filename))
	http.ServeFile(w, r, rec.Path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors onto status codes: input errors are 400, a
// running job 409, a missing record 404, anything else 500.
func writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, scanner.ErrInvalidRoot),
		errors.Is(err, scanner.ErrUnsupportedExtension):
		status = http.StatusBadRequest
	case errors.Is(err, indexer.ErrJobRunning):
		status = http.StatusConflict
	case errors.Is(err, vectorstore.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error(msg)
	}
	http.Error(w, msg+": "+err.Error(), status)
}
