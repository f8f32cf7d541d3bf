// Package invocations serves Thing actions and their invocations over HTTP.
package invocations

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/thingserver/internal/action"
	"github.com/tjfontaine/thingserver/internal/invocation"
	"github.com/tjfontaine/thingserver/internal/notify"
	"github.com/tjfontaine/thingserver/internal/server"
	"github.com/tjfontaine/thingserver/internal/thing"
)

// maxBodyBytes caps action argument bodies.
const maxBodyBytes = 1 << 20

// Handler exposes a Manager and the Things it runs actions on.
type Handler struct {
	manager *action.Manager
	things  *thing.Registry
	hub     *notify.Hub
	logger  *slog.Logger
}

// NewHandler creates a Handler. hub may be nil, which disables websockets.
func NewHandler(manager *action.Manager, things *thing.Registry, hub *notify.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		things:  things,
		hub:     hub,
		logger:  logger,
	}
}

// Routes mounts every endpoint on r. Static prefixes take priority over the
// per-Thing patterns, so a Thing cannot shadow them.
func (h *Handler) Routes(r chi.Router) {
	r.Get(BasePath, h.HandleList)
	r.Get(BasePath+"/", h.HandleList)
	r.Get(BasePath+"/{id}", h.HandleGet)
	r.Get(BasePath+"/{id}/output", h.HandleOutput)
	r.Delete(BasePath+"/{id}", h.HandleCancel)

	r.Get("/things", h.HandleListThings)

	if h.hub != nil {
		r.Get("/{thing}/ws", h.HandleWebsocket)
	}
	r.Post("/{thing}/{action}", h.HandleInvoke)
	r.Get("/{thing}/{action}", h.HandleListForAction)
}

// HandleInvoke handles POST /{thing}/{action}.
func (h *Handler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	t, ok := h.thing(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "action")
	server.AddLogField(r.Context(), "thing", t.Path())
	server.AddLogField(r.Context(), "action", name)

	args, err := decodeArgs(r)
	if err != nil {
		server.AddError(r.Context(), err)
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_input", err.Error())
		return
	}

	snap, err := h.manager.InvokeAndWait(r.Context(), t, name, args)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "invocation_id", snap.ID)

	status := http.StatusCreated
	if snap.Status.Terminal() {
		status = http.StatusOK
	}
	w.Header().Set("Location", hrefFor(snap.ID))
	writeJSON(w, status, toResponse(snap))
}

// HandleListForAction handles GET /{thing}/{action}.
func (h *Handler) HandleListForAction(w http.ResponseWriter, r *http.Request) {
	t, ok := h.thing(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "action")
	if _, ok := t.Action(name); !ok {
		err := fmt.Errorf("%w: %s%s", action.ErrActionNotFound, t.Path(), name)
		h.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, responses(h.manager.List(action.Filter{ThingPath: t.Path(), Action: name})))
}

// HandleList handles GET /action_invocations.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, responses(h.manager.List(action.Filter{})))
}

// HandleGet handles GET /action_invocations/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.manager.Get(id)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(snap))
}

// HandleOutput handles GET /action_invocations/{id}/output.
func (h *Handler) HandleOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := h.manager.Output(id)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleCancel handles DELETE /action_invocations/{id}.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Cancel(id); err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	snap, err := h.manager.Get(id)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(snap))
}

// HandleListThings handles GET /things.
func (h *Handler) HandleListThings(w http.ResponseWriter, r *http.Request) {
	things := h.things.Things()
	out := make([]ThingResponse, 0, len(things))
	for _, t := range things {
		tr := ThingResponse{
			Path:        t.Path(),
			Title:       t.Title,
			Description: t.Description,
			Actions:     []ActionResponse{},
		}
		for _, def := range t.Actions() {
			tr.Actions = append(tr.Actions, ActionResponse{
				Name:        def.Name,
				Description: def.Description,
				Href:        t.Path() + def.Name,
			})
		}
		out = append(out, tr)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleWebsocket handles GET /{thing}/ws.
func (h *Handler) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	t, ok := h.thing(w, r)
	if !ok {
		return
	}
	h.hub.ServeThing(w, r, t.Path())
}

func (h *Handler) thing(w http.ResponseWriter, r *http.Request) (*thing.Thing, bool) {
	t, err := h.things.Get(chi.URLParam(r, "thing"))
	if err != nil {
		server.AddError(r.Context(), err)
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return nil, false
	}
	return t, true
}

// decodeArgs reads a JSON object body. An empty body means no arguments.
func decodeArgs(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body larger than %d bytes", maxBodyBytes)
	}
	args := map[string]any{}
	if len(body) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (h *Handler) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)

	switch {
	case errors.Is(err, invocation.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "No action invocation found with that ID")
	case errors.Is(err, action.ErrActionNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, invocation.ErrNoOutput):
		h.writeError(w, http.StatusNotFound, "no_output", "No output is available: the invocation has not completed or returned nothing")
	case errors.Is(err, invocation.ErrInvalidState):
		h.writeError(w, http.StatusServiceUnavailable, "invalid_state", "Invocation has already finished and cannot be cancelled")
	default:
		h.logger.Error("request failed",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Type: errType, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func responses(snaps []invocation.Snapshot) []InvocationResponse {
	out := make([]InvocationResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toResponse(s))
	}
	return out
}
