package invocations

import (
	"time"

	"github.com/tjfontaine/thingserver/internal/invocation"
)

// BasePath is where invocation resources live.
const BasePath = "/action_invocations"

// Link points at a related resource.
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// InvocationResponse is the wire form of an invocation.
type InvocationResponse struct {
	ID            string                `json:"id"`
	Action        string                `json:"action"`
	Thing         string                `json:"thing"`
	Href          string                `json:"href"`
	Status        invocation.Status     `json:"status"`
	Input         map[string]any        `json:"input"`
	Output        any                   `json:"output,omitempty"`
	Exception     string                `json:"exception,omitempty"`
	TimeRequested time.Time             `json:"timeRequested"`
	TimeStarted   *time.Time            `json:"timeStarted,omitempty"`
	TimeFinished  *time.Time            `json:"timeFinished,omitempty"`
	Log           []invocation.LogEntry `json:"log"`
	Links         []Link                `json:"links"`
}

// ThingResponse describes a mounted Thing for /things.
type ThingResponse struct {
	Path        string           `json:"path"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Actions     []ActionResponse `json:"actions"`
}

// ActionResponse describes one action of a Thing.
type ActionResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Href        string `json:"href"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func hrefFor(id string) string {
	return BasePath + "/" + id
}

func toResponse(s invocation.Snapshot) InvocationResponse {
	href := hrefFor(s.ID)
	log := s.Log
	if log == nil {
		log = []invocation.LogEntry{}
	}
	return InvocationResponse{
		ID:            s.ID,
		Action:        s.Action,
		Thing:         s.ThingPath,
		Href:          href,
		Status:        s.Status,
		Input:         s.Input,
		Output:        s.Output,
		Exception:     s.Error,
		TimeRequested: s.TimeRequested,
		TimeStarted:   optionalTime(s.TimeStarted),
		TimeFinished:  optionalTime(s.TimeFinished),
		Log:           log,
		Links: []Link{
			{Rel: "self", Href: href},
			{Rel: "output", Href: href + "/output"},
		},
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
