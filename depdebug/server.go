// Package depdebug exposes a dependency resolver's live state over HTTP for
// operators: a minimal chi.Router with no middleware stack, since this is a
// debug-only surface rather than a production API.
package depdebug

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/arvoselect/depresolver"
)

// Inspectable is the read-only surface of a dependency this server exposes;
// it deliberately exposes nothing that can mutate state.
type Inspectable struct {
	Model   *depresolver.DependencyModel
	Manager *depresolver.SelectedServicesManager
}

// Server is a chi-routed JSON introspection endpoint listing every
// registered dependency and its tracked/matching/selected/bound sets. Every
// handler takes the model's own read lock through its public accessors and
// releases it before serializing JSON; none of them touch the write path.
type Server struct {
	router chi.Router

	mu   sync.RWMutex
	deps map[string]Inspectable
}

// NewServer builds a Server with its routes already mounted.
func NewServer() *Server {
	s := &Server{router: chi.NewRouter(), deps: make(map[string]Inspectable)}
	s.router.Get("/dependencies", s.handleList)
	s.router.Get("/dependencies/{id}", s.handleShow)
	s.router.Get("/dependencies/{id}/tracked", s.handleSet(setTracked))
	s.router.Get("/dependencies/{id}/matching", s.handleSet(setMatching))
	s.router.Get("/dependencies/{id}/selected", s.handleSet(setSelected))
	s.router.Get("/dependencies/{id}/bound", s.handleSet(setBound))
	return s
}

// Register makes dep visible under id at /dependencies/{id}.
func (s *Server) Register(id string, dep Inspectable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[id] = dep
}

// Unregister removes a previously registered dependency.
func (s *Server) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deps, id)
}

// ChiRouter gives direct access to the underlying chi router, an escape
// hatch for embedders that want to mount additional middleware or routes.
func (s *Server) ChiRouter() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type dependencySummary struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	summaries := make([]dependencySummary, 0, len(s.deps))
	for id, insp := range s.deps {
		summaries = append(summaries, dependencySummary{ID: id, State: insp.Model.State().String()})
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"dependencies": summaries})
}

type dependencyDetail struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Aggregate  bool   `json:"aggregate"`
	Optional   bool   `json:"optional"`
	Policy     string `json:"policy"`
	Filter     string `json:"filter"`
	Comparator string `json:"comparator"`
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	insp, ok := s.lookup(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "dependency not found"})
		return
	}

	comparator := "natural"
	if insp.Model.HasComparator() {
		comparator = "custom"
	}
	writeJSON(w, http.StatusOK, dependencyDetail{
		ID:         chi.URLParam(r, "id"),
		State:      insp.Model.State().String(),
		Aggregate:  insp.Model.Aggregate(),
		Optional:   insp.Model.Optional(),
		Policy:     insp.Model.Policy().String(),
		Filter:     insp.Model.FilterExpr(),
		Comparator: comparator,
	})
}

type referenceView struct {
	ServiceID  int64          `json:"serviceId"`
	Properties map[string]any `json:"properties"`
}

type setKind int

const (
	setTracked setKind = iota
	setMatching
	setSelected
	setBound
)

// handleSet returns a handler for one of the tracked/matching/selected/bound
// set endpoints; matching and selected require the manager to be exposed,
// since DependencyModel itself only tracks bound.
func (s *Server) handleSet(kind setKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		insp, ok := s.lookup(chi.URLParam(r, "id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "dependency not found"})
			return
		}

		if kind == setTracked {
			writeJSON(w, http.StatusOK, map[string]any{"references": toTrackedViews(insp.Model.Tracked())})
			return
		}

		var refs []*depresolver.TransformedReference
		switch kind {
		case setBound:
			refs = insp.Model.Bound()
		case setMatching:
			if insp.Manager != nil {
				refs = insp.Manager.Matching()
			}
		case setSelected:
			if insp.Manager != nil {
				refs = insp.Manager.Selected()
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"references": toReferenceViews(refs)})
	}
}

func (s *Server) lookup(id string) (Inspectable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	insp, ok := s.deps[id]
	return insp, ok
}

func toReferenceViews(refs []*depresolver.TransformedReference) []referenceView {
	out := make([]referenceView, len(refs))
	for i, ref := range refs {
		out[i] = referenceView{ServiceID: ref.ServiceID(), Properties: ref.Properties()}
	}
	return out
}

func toTrackedViews(refs []depresolver.Reference) []referenceView {
	out := make([]referenceView, len(refs))
	for i, ref := range refs {
		out[i] = referenceView{ServiceID: ref.ServiceID(), Properties: ref.Properties()}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
