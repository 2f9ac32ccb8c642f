package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaypoint-ai/wa-gateway/internal/errmap"
	"github.com/relaypoint-ai/wa-gateway/internal/tasks"
	"github.com/relaypoint-ai/wa-gateway/pkg/logging"
)

// TasksHandler exposes the status of queued message jobs so the webhook's
// task_id has a consumer.
type TasksHandler struct {
	store  *tasks.Store
	logger *logging.Logger
}

// NewTasksHandler builds the task status handler.
func NewTasksHandler(store *tasks.Store, logger *logging.Logger) *TasksHandler {
	if store == nil {
		panic("handlers: nil task store")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TasksHandler{store: store, logger: logger}
}

// TaskResponse is the body of GET /tasks/{taskID}.
type TaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	ErrorCode string    `json:"error_code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Get returns one task record.
// GET /tasks/{taskID}
func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	const op = "tasks.get"

	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		errmap.WriteError(w, errmap.New(errmap.CodeInvalidData, op, "task id is required"), op)
		return
	}

	rec, found, err := h.store.Get(r.Context(), taskID)
	if err != nil {
		h.logger.Error("task lookup failed", "task_id", taskID, "error", err)
		errmap.WriteError(w, errmap.Wrap(errmap.CodeKVError, op, err), op)
		return
	}
	if !found {
		errmap.WriteError(w, errmap.New(errmap.CodeDataNotFound, op, "no task with this id"), op)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TaskResponse{
		TaskID:    rec.ID,
		Status:    string(rec.Status),
		Attempts:  rec.Attempts,
		ErrorCode: rec.ErrorCode,
		Detail:    rec.Detail,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}
