package api

import (
	"cmp"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homesync/internal/command"
	"github.com/nerrad567/homesync/internal/entity"
	"github.com/nerrad567/homesync/internal/permission"
	"github.com/nerrad567/homesync/internal/table"
	"github.com/nerrad567/homesync/internal/transport"
	"github.com/nerrad567/homesync/internal/widget"
)

// devicesGuard protects the device list.
var devicesGuard = permission.Guard{Menu: "devices"}

// DeviceView is a device with its entities rendered as widgets.
type DeviceView struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	MAC      string        `json:"mac,omitempty"`
	Online   bool          `json:"online"`
	RoomID   string        `json:"roomId,omitempty"`
	RoomName string        `json:"roomName,omitempty"`
	Widgets  []widget.View `json:"widgets"`
}

// deviceColumns are the sort keys of GET /devices.
var deviceColumns = table.Columns[entity.Device]{
	"name": func(a, b entity.Device) int {
		return cmp.Or(cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)), cmp.Compare(a.ID, b.ID))
	},
	"id":   func(a, b entity.Device) int { return cmp.Compare(a.ID, b.ID) },
	"room": func(a, b entity.Device) int { return cmp.Compare(a.RoomName, b.RoomName) },
	"online": func(a, b entity.Device) int {
		return cmp.Compare(boolRank(a.Online), boolRank(b.Online))
	},
	"entities": func(a, b entity.Device) int { return cmp.Compare(len(a.Entities), len(b.Entities)) },
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// renderDevice builds the view of d from the store's current states.
func (s *Server) renderDevice(d entity.Device) DeviceView {
	v := DeviceView{
		ID:       d.ID,
		Name:     d.Name,
		MAC:      d.MAC,
		Online:   d.Online,
		RoomID:   d.RoomID,
		RoomName: d.RoomName,
		Widgets:  make([]widget.View, 0, len(d.Entities)),
	}
	for _, e := range d.Entities {
		st, _ := s.store.EntityState(e.ID)
		view := widget.Render(e, st)
		if fb, ok := view.(widget.FallbackView); ok {
			s.logger.Debug("entity rendered as fallback", "device_id", d.ID, "entity_id", e.ID, "error", fb.Error)
		}
		v.Widgets = append(v.Widgets, view)
	}
	return v
}

// handleListDevices returns one page of the active home's devices.
//
// Query parameters:
//   - q: text filter over name, id and room
//   - room: room id
//   - online: "true" or "false"
//   - sort: column, "-" prefix for descending (name, id, room, online, entities)
//   - page, page_size
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if err := devicesGuard.Check(s.permissions); err != nil {
		writeForbidden(w, err)
		return
	}

	q := r.URL.Query()
	sortCmp, desc, err := deviceColumns.Sort(q.Get("sort"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	page, err := intParam(q.Get("page"))
	if err != nil {
		writeBadRequest(w, "page must be an integer")
		return
	}
	pageSize, err := intParam(q.Get("page_size"))
	if err != nil {
		writeBadRequest(w, "page_size must be an integer")
		return
	}

	text := q.Get("q")
	room := q.Get("room")
	var online *bool
	if raw := q.Get("online"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeBadRequest(w, "online must be true or false")
			return
		}
		online = &b
	}

	result := table.Apply(s.store.Devices(), table.Query[entity.Device]{
		Filter: func(d entity.Device) bool {
			if !s.session.CanAccessDevice(permission.ActionView, d.ID) {
				return false
			}
			if room != "" && d.RoomID != room {
				return false
			}
			if online != nil && d.Online != *online {
				return false
			}
			return table.MatchText(text, d.Name, d.ID, d.RoomName)
		},
		Sort:     sortCmp,
		Desc:     desc,
		Page:     page,
		PageSize: pageSize,
	})

	views := make([]DeviceView, len(result.Items))
	for i, d := range result.Items {
		views[i] = s.renderDevice(d)
	}
	writeJSON(w, http.StatusOK, table.Page[DeviceView]{
		Items:    views,
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
		Pages:    result.Pages,
	})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// handleGetDevice returns one device with its widgets.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.store.Device(id)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}
	if !s.session.CanAccessDevice(permission.ActionView, id) {
		writeForbidden(w, permission.Require(s.permissions, permission.ActionView, permission.ResourceDevice, id))
		return
	}
	writeJSON(w, http.StatusOK, s.renderDevice(*d))
}

// commandRequest is the body of a command POST.
type commandRequest struct {
	Value *entity.Value `json:"value"`
}

// commandResponse acknowledges an issued command. The outcome arrives
// later as an entity change.
type commandResponse struct {
	RequestID string       `json:"requestId"`
	DeviceID  string       `json:"deviceId"`
	EntityID  string       `json:"entityId"`
	Value     entity.Value `json:"value"`
	Pending   bool         `json:"pending"`
}

// handleCommand issues a command to one entity.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil || req.Value.IsZero() {
		writeBadRequest(w, "value is required")
		return
	}

	cmd, err := s.session.Issue(r.Context(), command.Command{
		DeviceID: chi.URLParam(r, "id"),
		EntityID: chi.URLParam(r, "entityId"),
		Value:    *req.Value,
	})
	switch {
	case err == nil:
	case errors.Is(err, permission.ErrDenied):
		writeForbidden(w, err)
		return
	case errors.Is(err, entity.ErrEntityNotFound):
		writeNotFound(w, err.Error())
		return
	case errors.Is(err, command.ErrInvalidCommand):
		writeBadRequest(w, err.Error())
		return
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, command.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	default:
		s.logger.Warn("command failed",
			"device_id", cmd.DeviceID,
			"entity_id", cmd.EntityID,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "command could not be sent")
		return
	}

	writeJSON(w, http.StatusAccepted, commandResponse{
		RequestID: cmd.RequestID,
		DeviceID:  cmd.DeviceID,
		EntityID:  cmd.EntityID,
		Value:     cmd.Value,
		Pending:   s.store.IsPending(cmd.EntityID),
	})
}
