package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/host"
	"github.com/nerrad567/gray-logic-driverhost/internal/roster"
)

// loadDriverRequest is the body of POST /drivers.
type loadDriverRequest struct {
	Moniker string         `json:"moniker"`
	Type    string         `json:"type"`
	Enabled *bool          `json:"enabled"`
	Params  map[string]any `json:"params"`
}

// writeFieldRequest is the body of PUT /drivers/{moniker}/fields/{field}.
type writeFieldRequest struct {
	Value     any    `json:"value"`
	Wait      string `json:"wait"`
	TimeoutMS int    `json:"timeout_ms"`
}

// verbosityRequest is the body of PUT /drivers/{moniker}/verbosity.
type verbosityRequest struct {
	Verbosity string `json:"verbosity"`
}

// handleListDrivers returns every loaded driver.
func (s *Server) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	drivers := s.host.Drivers()
	writeJSON(w, http.StatusOK, map[string]any{
		"drivers":        drivers,
		"count":          len(drivers),
		"driver_list_id": s.host.DriverListID(),
	})
}

// handleLoadDriver loads a driver and records it in the roster.
// A disabled driver is only recorded.
func (s *Server) handleLoadDriver(w http.ResponseWriter, r *http.Request) {
	var req loadDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Moniker = strings.TrimSpace(req.Moniker)
	req.Type = strings.TrimSpace(req.Type)
	if req.Moniker == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "moniker and type are required")
		return
	}

	spec := driver.Spec{
		Moniker: req.Moniker,
		Type:    req.Type,
		Enabled: req.Enabled == nil || *req.Enabled,
		Params:  req.Params,
	}

	if spec.Enabled {
		if err := s.host.Load(r.Context(), spec); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}

	if s.roster != nil {
		if err := s.roster.Save(r.Context(), spec); err != nil {
			if spec.Enabled {
				//nolint:errcheck // Rollback is best-effort; the save error is what the caller sees
				s.host.Unload(r.Context(), spec.Moniker)
			}
			s.writeDomainError(w, r, err)
			return
		}
	}

	if !spec.Enabled {
		writeJSON(w, http.StatusCreated, spec)
		return
	}
	summary, err := s.host.Describe(spec.Moniker)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

// handleGetDriver returns one driver's summary.
func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	summary, err := s.host.Describe(chi.URLParam(r, "moniker"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleUnloadDriver stops a driver and removes it from the roster.
func (s *Server) handleUnloadDriver(w http.ResponseWriter, r *http.Request) {
	moniker := chi.URLParam(r, "moniker")

	unloadErr := s.host.Unload(r.Context(), moniker)
	if unloadErr != nil && !errors.Is(unloadErr, host.ErrUnknownDevice) && !errors.Is(unloadErr, driver.ErrStopTimeout) {
		s.writeDomainError(w, r, unloadErr)
		return
	}
	if errors.Is(unloadErr, driver.ErrStopTimeout) {
		s.logger.Warn("driver did not stop in time", "moniker", moniker)
	}

	// A disabled driver is only in the roster, so a missing instance is
	// fine as long as the roster had an entry.
	removed := unloadErr == nil || errors.Is(unloadErr, driver.ErrStopTimeout)
	if s.roster != nil {
		err := s.roster.Delete(r.Context(), moniker)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, roster.ErrNotFound):
		default:
			s.writeDomainError(w, r, err)
			return
		}
	}
	if !removed {
		s.writeDomainError(w, r, unloadErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReloadDriver unloads and reloads a driver from its spec.
func (s *Server) handleReloadDriver(w http.ResponseWriter, r *http.Request) {
	moniker := chi.URLParam(r, "moniker")
	if err := s.host.Reload(r.Context(), moniker); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	summary, err := s.host.Describe(moniker)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleReconfigureDriver makes a driver drop its transport and reconnect.
func (s *Server) handleReconfigureDriver(w http.ResponseWriter, r *http.Request) {
	moniker := chi.URLParam(r, "moniker")
	if err := s.host.Reconfigure(r.Context(), moniker); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"moniker": moniker, "status": "reconnecting"})
}

// handleSetVerbosity changes a driver's log verbosity.
func (s *Server) handleSetVerbosity(w http.ResponseWriter, r *http.Request) {
	moniker := chi.URLParam(r, "moniker")
	var req verbosityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	v, err := driver.ParseVerbosity(strings.ToLower(strings.TrimSpace(req.Verbosity)))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if err := s.host.SetVerbosity(moniker, v); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"moniker": moniker, "verbosity": v.String()})
}

// handleBackdoor passes the raw request body to the driver's backdoor.
// JSON answers are returned as JSON, anything else as octets.
func (s *Server) handleBackdoor(w http.ResponseWriter, r *http.Request) {
	moniker := chi.URLParam(r, "moniker")
	op := chi.URLParam(r, "op")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body")
		return
	}

	out, err := s.host.SendBackdoor(r.Context(), moniker, op, payload)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if json.Valid(out) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	w.Write(out)
}

// handleQueryFields returns the field definitions and version ids.
func (s *Server) handleQueryFields(w http.ResponseWriter, r *http.Request) {
	fl, err := s.host.QueryFields(r.Context(), chi.URLParam(r, "moniker"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fl)
}

// handleReadField reads one field through the driver's queue.
func (s *Server) handleReadField(w http.ResponseWriter, r *http.Request) {
	snap, err := s.host.ReadField(r.Context(), chi.URLParam(r, "moniker"), chi.URLParam(r, "field"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleWriteField writes one field. With wait "fire_and_forget" the
// response is 202 as soon as the command is queued.
func (s *Server) handleWriteField(w http.ResponseWriter, r *http.Request) {
	moniker := chi.URLParam(r, "moniker")
	name := chi.URLParam(r, "field")

	var req writeFieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "value is required")
		return
	}
	wait, err := driver.ParseWaitPolicy(req.Wait)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if req.TimeoutMS < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "timeout_ms must not be negative")
		return
	}

	snap, err := s.host.WriteField(r.Context(), moniker, name, req.Value, wait, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if wait == driver.FireAndForget {
		writeJSON(w, http.StatusAccepted, map[string]string{"moniker": moniker, "field": name, "status": "accepted"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
