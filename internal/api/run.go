package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/peterje/termbridge/internal/files"
	"github.com/peterje/termbridge/internal/logger"
	"github.com/peterje/termbridge/internal/models"
	"github.com/peterje/termbridge/internal/store"
)

// FileRunner executes file actions.
type FileRunner interface {
	Run(ctx context.Context, req models.RunRequest) (any, error)
}

// HistoryStore is the per-path undo/redo stack.
type HistoryStore interface {
	PushHistory(ctx context.Context, path, content string) error
	Undo(ctx context.Context, path string) (string, error)
	Redo(ctx context.Context, path string) (string, error)
	HistoryCount(ctx context.Context, path string) (int, error)
}

type RunHandler struct {
	files   FileRunner
	history HistoryStore
	log     *logger.Logger
}

func NewRunHandler(files FileRunner, history HistoryStore, log *logger.Logger) *RunHandler {
	return &RunHandler{files: files, history: history, log: log.WithComponent("api")}
}

// HandleRun serves POST /api/v1/run/{category}.
func (h *RunHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Action == "" {
		WriteError(w, http.StatusBadRequest, "action is required")
		return
	}

	category := r.PathValue("category")
	var (
		out any
		err error
	)
	switch category {
	case "file":
		out, err = h.files.Run(r.Context(), req)
	case "history":
		out, err = h.runHistory(r.Context(), req)
	default:
		WriteError(w, http.StatusNotFound, "unknown category: "+category)
		return
	}
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("run failed", zap.String("category", category), zap.String("action", req.Action), zap.Error(err))
		}
		WriteError(w, status, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *RunHandler) runHistory(ctx context.Context, req models.RunRequest) (any, error) {
	if req.Path == "" {
		return nil, files.ErrPathRequired
	}
	switch req.Action {
	case "push":
		return nil, h.history.PushHistory(ctx, req.Path, req.Content)
	case "undo":
		content, err := h.history.Undo(ctx, req.Path)
		return map[string]any{"content": content}, err
	case "redo":
		content, err := h.history.Redo(ctx, req.Path)
		return map[string]any{"content": content}, err
	case "count":
		n, err := h.history.HistoryCount(ctx, req.Path)
		return map[string]any{"count": n}, err
	default:
		return nil, files.ErrUnknownAction
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, files.ErrUnknownAction), errors.Is(err, files.ErrPathRequired):
		return http.StatusBadRequest
	case errors.Is(err, files.ErrOutsideAppData), errors.Is(err, os.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNothingToUndo), errors.Is(err, store.ErrNothingToRedo):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
