package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// ScheduleService is the part of scheduler.Service the API needs
type ScheduleService interface {
	CreateSchedule(ctx context.Context, req scheduler.CreateRequest) (*model.Schedule, error)
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, filter model.ScheduleFilter, page model.PageRequest) (*model.SchedulePage, error)
	UpdateSchedule(ctx context.Context, id string, req scheduler.UpdateRequest) (*model.Schedule, error)
	CancelSchedule(ctx context.Context, id string) (model.CancelResult, error)
	ExecuteNow(ctx context.Context, id string) (*model.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	ListAttempts(ctx context.Context, id string) ([]*model.Attempt, error)
}

var _ ScheduleService = (*scheduler.Service)(nil)

type createScheduleRequest struct {
	TargetRef   string    `json:"targetRef"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Description string    `json:"description"`
	MaxRetries  *int      `json:"maxRetries"`
}

type updateScheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduledAt"`
	Description *string    `json:"description"`
	MaxRetries  *int       `json:"maxRetries"`
}

// ScheduleHandler serves the /schedules API
type ScheduleHandler struct {
	logger  *zap.Logger
	service ScheduleService
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(service ScheduleService, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		logger:  logger.Named("schedule-handler"),
		service: service,
	}
}

func (h *ScheduleHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	schedule, err := h.service.CreateSchedule(r.Context(), scheduler.CreateRequest{
		TargetRef:   req.TargetRef,
		ScheduledAt: req.ScheduledAt,
		Description: req.Description,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeData(w, http.StatusCreated, schedule)
}

func (h *ScheduleHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseListQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.ListSchedules(r.Context(), filter, page)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeData(w, http.StatusOK, result)
}

func (h *ScheduleHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.service.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, schedule)
}

func (h *ScheduleHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	schedule, err := h.service.UpdateSchedule(r.Context(), r.PathValue("id"), scheduler.UpdateRequest{
		ScheduledAt: req.ScheduledAt,
		Description: req.Description,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeData(w, http.StatusOK, schedule)
}

func (h *ScheduleHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeMessage(w, http.StatusOK, "schedule deleted")
}

func (h *ScheduleHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := h.service.CancelSchedule(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var status int
	switch result {
	case model.CancelApplied:
		status = http.StatusOK
	case model.CancelDeferred:
		status = http.StatusAccepted
	default:
		writeMessage(w, http.StatusConflict, "schedule is already in a terminal state")
		return
	}

	schedule, err := h.service.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, status, Response{Success: true, Data: schedule, Message: "cancel " + result.String()})
}

func (h *ScheduleHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.service.ExecuteNow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, schedule)
}

func (h *ScheduleHandler) handleAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.ListAttempts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, attempts)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func parseListQuery(r *http.Request) (model.ScheduleFilter, model.PageRequest, error) {
	query := r.URL.Query()

	var filter model.ScheduleFilter
	filter.Status = model.ScheduleStatus(strings.ToUpper(query.Get("status")))
	filter.TargetRef = query.Get("targetRef")

	var err error
	if filter.From, err = parseTimeParam(query.Get("from"), "from"); err != nil {
		return filter, model.PageRequest{}, err
	}
	if filter.To, err = parseTimeParam(query.Get("to"), "to"); err != nil {
		return filter, model.PageRequest{}, err
	}

	page := model.PageRequest{SortBy: query.Get("sortBy")}
	if page.Page, err = parseIntParam(query.Get("page"), "page"); err != nil {
		return filter, page, err
	}
	if page.Size, err = parseIntParam(query.Get("size"), "size"); err != nil {
		return filter, page, err
	}

	sortDir := strings.ToLower(query.Get("sortDir"))
	if sortDir != "" && page.SortBy == "" {
		page.SortBy = model.SortByScheduledAt
	}
	switch sortDir {
	case "", "asc":
	case "desc":
		page.SortDesc = true
	default:
		return filter, page, fmt.Errorf("sortDir must be asc or desc")
	}

	return filter, page, nil
}

func parseTimeParam(value, name string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}

func parseIntParam(value, name string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
