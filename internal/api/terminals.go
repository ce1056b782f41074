package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
	ptymgr "github.com/peterje/termbridge/internal/pty"
)

// SnapshotLoader reads saved terminal snapshots.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, id string) (*models.TerminalSnapshot, error)
}

type TerminalsHandler struct {
	manager   ptymgr.SessionManager
	snapshots SnapshotLoader
	log       *logger.Logger
}

func NewTerminalsHandler(manager ptymgr.SessionManager, snapshots SnapshotLoader, log *logger.Logger) *TerminalsHandler {
	return &TerminalsHandler{manager: manager, snapshots: snapshots, log: log.WithComponent("api")}
}

func (h *TerminalsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body models.CreateTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts := body.Options
	if (opts.Rows < 0 || opts.Columns < 0) || (opts.Rows == 0) != (opts.Columns == 0) {
		WriteError(w, http.StatusBadRequest, "rows and columns must both be positive or both omitted")
		return
	}
	if opts.Rows > math.MaxUint16 || opts.Columns > math.MaxUint16 {
		WriteError(w, http.StatusBadRequest, "rows and columns must not exceed 65535")
		return
	}

	id, err := h.manager.Create(opts)
	if err != nil {
		h.log.Error("create terminal failed", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, id)
}

func (h *TerminalsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.manager.ListActive())
}

// HandleLoad returns the last saved snapshot. A session with nothing saved
// yields a success envelope without data.
func (h *TerminalsHandler) HandleLoad(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("terminalID")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "terminalID is required")
		return
	}
	snap, err := h.snapshots.LoadSnapshot(r.Context(), id)
	if err != nil {
		h.log.Error("load snapshot failed", zap.String("terminal_id", id), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		WriteJSON(w, http.StatusOK, nil)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}
