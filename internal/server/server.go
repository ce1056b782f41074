package server

import (
	"net/http"

	"github.com/peterje/termbridge/internal/api"
	"github.com/peterje/termbridge/internal/files"
	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
	ptymgr "github.com/peterje/termbridge/internal/pty"
	"github.com/peterje/termbridge/internal/store"
	"github.com/peterje/termbridge/internal/ws"
)

type Server struct {
	mux     *http.ServeMux
	handler http.Handler
	store   *store.Store
	files   *files.Service
	shells  []models.ShellStatus
	log     *logger.Logger
	PtyMgr  ptymgr.SessionManager
}

func New(st *store.Store, fileSvc *files.Service, shells []models.ShellStatus, ptyMgr ptymgr.SessionManager, log *logger.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		store:  st,
		files:  fileSvc,
		shells: shells,
		log:    log.WithComponent("server"),
		PtyMgr: ptyMgr,
	}
	s.routes()
	s.handler = loggingMiddleware(s.log, recoveryMiddleware(s.log, originMiddleware(s.log, s.mux)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	terminals := api.NewTerminalsHandler(s.PtyMgr, s.store, s.log)
	run := api.NewRunHandler(s.files, s.store, s.log)
	wsHandler := ws.NewHandler(s.PtyMgr, s.store, s.log)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Terminals
	s.mux.HandleFunc("POST /api/v1/terminal/create", terminals.HandleCreate)
	s.mux.HandleFunc("GET /api/v1/terminal/list", terminals.HandleList)
	s.mux.HandleFunc("GET /api/v1/terminal/load", terminals.HandleLoad)

	// File and history actions
	s.mux.HandleFunc("POST /api/v1/run/{category}", run.HandleRun)

	// Shared socket
	s.mux.Handle("GET /{$}", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status:   "ok",
		Shells:   s.shells,
		Sessions: len(s.PtyMgr.ListActive()),
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
