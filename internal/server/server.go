package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/Reflector/internal/database"
	"github.com/TobiSchelling/Reflector/internal/export"
	"github.com/TobiSchelling/Reflector/internal/fetch"
	"github.com/TobiSchelling/Reflector/internal/session"
	"github.com/TobiSchelling/Reflector/internal/summary"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Sessions runs reflection sessions for the JSON API.
type Sessions interface {
	Start(ctx context.Context, page *fetch.Page, opts ...session.StartOption) (*session.State, error)
	Current() (session.State, bool)
	Lookup(id string) (*session.State, bool)
	ChangeFormat(ctx context.Context, st *session.State, format string) error
	TranslateTo(ctx context.Context, st *session.State, lang string) error
	Save(ctx context.Context, st *session.State, reflections []string) (int64, error)
	Cancel(st *session.State)
}

// PageLoader downloads pages by URL.
type PageLoader interface {
	Fetch(ctx context.Context, pageURL string) (*fetch.Page, error)
}

// Server serves saved reflections as HTML and drives sessions over JSON.
type Server struct {
	db       *database.DB
	sessions Sessions
	loader   PageLoader
	pages    map[string]*template.Template
	mux      *http.ServeMux
}

// New creates a new Server. sessions and loader may be nil, in which case
// the session API answers 503.
func New(db *database.DB, sessions Sessions, loader PageLoader) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of the base so "title" and "content" do
	// not collide between pages.
	pageNames := []string{"index.html", "reflection.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, sessions: sessions, loader: loader, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /reflection/{id}", s.handleReflection)
	s.mux.HandleFunc("POST /reflection/{id}/delete", s.handleDelete)
	s.mux.HandleFunc("GET /export", s.handleExport)

	s.mux.HandleFunc("GET /api/reflections", s.handleListReflections)
	s.mux.HandleFunc("POST /api/reflections", s.handleSaveReflection)
	s.mux.HandleFunc("POST /api/summarize", s.handleSummarize)
	s.mux.HandleFunc("GET /api/session", s.handleCurrentSession)
	s.mux.HandleFunc("POST /api/session/format", s.handleChangeFormat)
	s.mux.HandleFunc("POST /api/session/translate", s.handleTranslate)
	s.mux.HandleFunc("DELETE /api/session", s.handleCancel)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	reflections, err := s.db.ListReflections("", 0)
	if err != nil {
		log.Printf("Error listing reflections: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	stats, _ := s.db.GetStats()

	s.render(w, "index.html", map[string]any{
		"Reflections": reflections,
		"Stats":       stats,
	})
}

func (s *Server) handleReflection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	refl, err := s.db.GetReflection(id)
	if err != nil {
		log.Printf("Error loading reflection %d: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if refl == nil {
		s.renderStatus(w, "reflection.html", http.StatusNotFound, map[string]any{"Reflection": refl})
		return
	}
	s.render(w, "reflection.html", map[string]any{
		"Reflection": refl,
		"Body":       export.ReflectionMarkdown(refl),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if id, err := strconv.ParseInt(r.PathValue("id"), 10, 64); err == nil {
		if _, err := s.db.DeleteReflection(id); err != nil {
			log.Printf("Error deleting reflection %d: %v", id, err)
		}
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reflections, err := s.db.ListReflections("", 0)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	contentType, ext := "text/markdown; charset=utf-8", "md"
	switch format {
	case export.FormatHTML:
		contentType, ext = "text/html; charset=utf-8", "html"
	case export.FormatJSON:
		contentType, ext = "application/json", "json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="reflections.%s"`, ext))
	if err := export.Write(w, reflections, format); err != nil {
		log.Printf("Error exporting reflections: %v", err)
	}
}

func (s *Server) handleListReflections(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reflections, err := s.db.ListReflections(r.URL.Query().Get("url"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reflections == nil {
		reflections = []database.Reflection{}
	}
	writeJSON(w, http.StatusOK, reflections)
}

type summarizeRequest struct {
	URL    string `json:"url"`
	HTML   string `json:"html"`
	Format string `json:"format"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions are not enabled")
		return
	}
	var req summarizeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	var opts []session.StartOption
	if req.Format != "" {
		f, err := summary.ParseFormat(req.Format)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, session.WithFormat(f))
	}

	var page *fetch.Page
	var err error
	switch {
	case req.HTML != "":
		page, err = fetch.FromReader(strings.NewReader(req.HTML), req.URL)
	case s.loader != nil:
		page, err = s.loader.Fetch(r.Context(), req.URL)
	default:
		err = errors.New("no page loader configured; send the page html")
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if _, err := s.sessions.Start(r.Context(), page, opts...); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions are not enabled")
		return
	}
	s.writeSession(w, http.StatusOK)
}

type sessionRequest struct {
	SessionID   string   `json:"session_id"`
	Format      string   `json:"format,omitempty"`
	Language    string   `json:"language,omitempty"`
	Reflections []string `json:"reflections,omitempty"`
}

// lookup decodes the body and resolves the session it names.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.State, sessionRequest, bool) {
	var req sessionRequest
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions are not enabled")
		return nil, req, false
	}
	if !decode(w, r, &req) {
		return nil, req, false
	}
	st, ok := s.sessions.Lookup(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return nil, req, false
	}
	return st, req, true
}

func (s *Server) handleChangeFormat(w http.ResponseWriter, r *http.Request) {
	st, req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.sessions.ChangeFormat(r.Context(), st, req.Format); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	st, req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if req.Language == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}
	if err := s.sessions.TranslateTo(r.Context(), st, req.Language); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handleSaveReflection(w http.ResponseWriter, r *http.Request) {
	st, req, ok := s.lookup(w, r)
	if !ok {
		return
	}
	id, err := s.sessions.Save(r.Context(), st, req.Reflections)
	switch {
	case errors.Is(err, session.ErrStorageFull):
		writeJSON(w, http.StatusInsufficientStorage, map[string]string{
			"error":      err.Error(),
			"export_url": "/export?format=markdown",
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions are not enabled")
		return
	}
	st, ok := s.sessions.Lookup(r.URL.Query().Get("id"))
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	s.sessions.Cancel(st)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeSession(w http.ResponseWriter, status int) {
	cur, ok := s.sessions.Current()
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	writeJSON(w, status, cur)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	s.renderStatus(w, name, http.StatusOK, data)
}

func (s *Server) renderStatus(w http.ResponseWriter, name string, status int, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func renderMarkdown(text string) template.HTML {
	out, err := export.RenderMarkdown(text)
	if err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(out) //nolint: gosec
}

// Serve runs srv on 127.0.0.1:port until ctx is cancelled.
func Serve(ctx context.Context, srv *Server, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on http://%s", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
