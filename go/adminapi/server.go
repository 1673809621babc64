// Package adminapi serves the JSON catalog editor: CRUD over fingerprints,
// triggers, and destinations, plus read-only task listings. Handlers are
// thin wrappers of the catalog store; task mutation stays with the
// coordinator.
package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/openaxial/dicomgw/go/catalog"
)

// Config configures a Server.
type Config struct {
	// Port the API listens on.
	Port uint16
}

// Server is the admin HTTP API.
type Server struct {
	store    *catalog.Store
	listener net.Listener
	router   *chi.Mux
}

// NewServer binds the API listener.
func NewServer(cfg Config, store *catalog.Store) (*Server, error) {
	var addr = fmt.Sprintf(":%d", cfg.Port)
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	log.WithField("addr", listener.Addr()).Info("admin api listening")

	var s = &Server{store: store, listener: listener}
	s.router = s.newRouter()
	return s, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// QueueTasks queues the HTTP server, and a task which tears down its
// listener on cancellation.
func (s *Server) QueueTasks(tasks *task.Group) {
	tasks.Queue("adminapi.serve", func() error {
		if err := http.Serve(s.listener, s.router); err != nil && tasks.Context().Err() == nil {
			return err
		}
		return nil
	})
	tasks.Queue("adminapi.closeListener", func() error {
		<-tasks.Context().Done()
		return s.listener.Close()
	})
}

func (s *Server) newRouter() *chi.Mux {
	var r = chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Route("/fingerprints", func(r chi.Router) {
		r.Post("/", s.addFingerprint)
		r.Get("/", s.listFingerprints)
		r.Delete("/{id}", s.deleteFingerprint)
		r.Post("/{id}/destinations/{destinationID}", s.attachDestination)
	})
	r.Route("/triggers", func(r chi.Router) {
		r.Post("/", s.addTrigger)
		r.Delete("/{id}", s.deleteTrigger)
	})
	r.Route("/destinations", func(r chi.Router) {
		r.Post("/", s.addDestination)
		r.Get("/", s.listDestinations)
		r.Delete("/{id}", s.deleteDestination)
	})
	r.Get("/tasks/", s.listTasks)

	return r
}

// respond runs fn and writes its result as JSON, mapping catalog errors to
// HTTP statuses. A nil result with nil error is a 204.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, fn func() (interface{}, error)) {
	var out, err = fn()
	if err != nil {
		var status = http.StatusBadRequest
		if errors.Is(err, catalog.ErrNotFound) {
			status = http.StatusNotFound
		}
		log.WithFields(log.Fields{
			"url":    r.URL.String(),
			"client": r.RemoteAddr,
			"err":    err,
		}).Warn("admin request failed")
		http.Error(w, err.Error(), status)
		return
	}
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(out); err != nil {
		log.WithFields(log.Fields{"url": r.URL.String(), "err": err}).
			Warn("failed to encode admin response")
	}
}

func (s *Server) addFingerprint(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		var req struct {
			HumanReadableID    string `json:"human_readable_id"`
			InferenceServerURL string `json:"inference_server_url"`
			Version            string `json:"version"`
			Description        string `json:"description"`
			DeleteLocally      *bool  `json:"delete_locally"`
			DeleteRemotely     *bool  `json:"delete_remotely"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("decoding request: %w", err)
		}
		// Deletion of routed state is the default; keeping it is opt-in.
		return s.store.AddFingerprint(r.Context(), catalog.Fingerprint{
			HumanReadableID:    req.HumanReadableID,
			InferenceServerURL: req.InferenceServerURL,
			Version:            req.Version,
			Description:        req.Description,
			DeleteLocally:      req.DeleteLocally == nil || *req.DeleteLocally,
			DeleteRemotely:     req.DeleteRemotely == nil || *req.DeleteRemotely,
		})
	})
}

func (s *Server) listFingerprints(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		return s.store.Fingerprints(r.Context())
	})
}

func (s *Server) deleteFingerprint(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		var id, err = idParam(r, "id")
		if err != nil {
			return nil, err
		}
		return nil, s.store.DeleteFingerprint(r.Context(), id)
	})
}

func (s *Server) attachDestination(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		var fingerprintID, err = idParam(r, "id")
		if err != nil {
			return nil, err
		}
		destinationID, err := idParam(r, "destinationID")
		if err != nil {
			return nil, err
		}
		return nil, s.store.AttachDestination(r.Context(), fingerprintID, destinationID)
	})
}

func (s *Server) addTrigger(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		var req struct {
			FingerprintID            int64  `json:"fingerprint_id"`
			StudyDescriptionPattern  string `json:"study_description_pattern"`
			SeriesDescriptionPattern string `json:"series_description_pattern"`
			SOPClassUIDExact         string `json:"sop_class_uid_exact"`
			ExcludePattern           string `json:"exclude_pattern"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("decoding request: %w", err)
		}
		return s.store.AddTrigger(r.Context(), req.FingerprintID, catalog.Trigger{
			StudyDescriptionPattern:  req.StudyDescriptionPattern,
			SeriesDescriptionPattern: req.SeriesDescriptionPattern,
			SOPClassUIDExact:         req.SOPClassUIDExact,
			ExcludePattern:           req.ExcludePattern,
		})
	})
}

func (s *Server) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		var id, err = idParam(r, "id")
		if err != nil {
			return nil, err
		}
		return nil, s.store.DeleteTrigger(r.Context(), id)
	})
}

func (s *Server) addDestination(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		var req struct {
			Host          string `json:"host"`
			Port          uint16 `json:"port"`
			AETitle       string `json:"ae_title"`
			FingerprintID int64  `json:"fingerprint_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, fmt.Errorf("decoding request: %w", err)
		}
		return s.store.AddDestination(r.Context(), catalog.Destination{
			Host:    req.Host,
			Port:    req.Port,
			AETitle: req.AETitle,
		}, req.FingerprintID)
	})
}

func (s *Server) listDestinations(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		return s.store.Destinations(r.Context())
	})
}

func (s *Server) deleteDestination(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		var id, err = idParam(r, "id")
		if err != nil {
			return nil, err
		}
		return nil, s.store.DeleteDestination(r.Context(), id)
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, func() (interface{}, error) {
		if raw := r.URL.Query().Get("status"); raw != "" {
			var n, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("parsing status: %w", err)
			}
			return s.store.TasksByStatus(r.Context(), catalog.Status(n))
		}
		return s.store.Tasks(r.Context())
	})
}

func idParam(r *http.Request, name string) (int64, error) {
	var id, err = strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return id, nil
}
