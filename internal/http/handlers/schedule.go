package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/osdrelay/internal/scheduler"
)

// ScheduleLister lists schedule entries.
type ScheduleLister interface {
	Entries() []scheduler.Entry
}

// ScheduleHandler serves the overlay schedule.
type ScheduleHandler struct {
	schedule ScheduleLister
}

// NewScheduleHandler creates a new schedule handler.
func NewScheduleHandler(schedule ScheduleLister) *ScheduleHandler {
	return &ScheduleHandler{schedule: schedule}
}

// Register registers the schedule routes with the API.
func (h *ScheduleHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSchedule",
		Method:      http.MethodGet,
		Path:        "/api/v1/schedule",
		Summary:     "List schedule",
		Description: "Returns the configured overlay schedule with next and previous run times",
		Tags:        []string{"Schedule"},
	}, h.List)
}

// ListScheduleInput is the input for the schedule endpoint.
type ListScheduleInput struct{}

// ListScheduleOutput is the output for the schedule endpoint.
type ListScheduleOutput struct {
	Body struct {
		Entries []scheduler.Entry `json:"entries"`
	}
}

// List returns the schedule entries.
func (h *ScheduleHandler) List(_ context.Context, _ *ListScheduleInput) (*ListScheduleOutput, error) {
	out := &ListScheduleOutput{}
	out.Body.Entries = h.schedule.Entries()
	return out, nil
}
