// Package ranchertest runs a fake Rancher v1 API for tests.
package ranchertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"crane-deployment/internal/models"
)

const (
	AccessKey = "access"
	SecretKey = "secret"
	Env       = "1a5"
)

type service struct {
	resource    models.ServiceResource
	stackID     string
	states      []string
	upgraded    bool
	upgradeFail *failure
	finishFail  *failure
	upgrades    []models.UpgradeRequest
	finishes    int
	stateReads  int
}

type failure struct {
	status int
	body   models.APIErrorBody
}

// Server serves the stack, service and action endpoints crane uses. Before an
// upgrade is submitted a service reports "active"; afterwards each read pops
// the next scripted state, the last one repeating.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	router   *mux.Router
	stacks   []models.Resource
	services map[string]*service
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		router:   mux.NewRouter(),
		services: make(map[string]*service),
	}
	s.setupRoutes()
	s.Server = httptest.NewServer(s.router)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/v1/projects/{env}").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/environments", s.listStacks).Methods("GET")
	api.HandleFunc("/services", s.listServices).Methods("GET")
	api.HandleFunc("/services/{id}", s.getService).Methods("GET")
	api.HandleFunc("/services/{id}", s.serviceAction).Methods("POST").Queries("action", "{action}")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != AccessKey || pass != SecretKey {
			writeError(w, http.StatusUnauthorized, models.APIErrorBody{Code: "Unauthorized"})
			return
		}
		if mux.Vars(r)["env"] != Env {
			writeError(w, http.StatusNotFound, models.APIErrorBody{Code: "NotFound"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AddStack registers a stack under its API id (e.g. 1e5).
func (s *Server) AddStack(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stacks = append(s.stacks, models.Resource{ID: id, Name: name})
}

// AddService registers a service and the states it reports once upgrading.
func (s *Server) AddService(stackID string, resource models.ServiceResource, states ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(states) == 0 {
		states = []string{models.StateUpgraded}
	}
	s.services[resource.ID] = &service{resource: resource, stackID: stackID, states: states}
}

func (s *Server) FailUpgrade(serviceID string, status int, body models.APIErrorBody) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[serviceID].upgradeFail = &failure{status: status, body: body}
}

func (s *Server) FailFinish(serviceID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[serviceID].finishFail = &failure{status: status, body: models.APIErrorBody{Code: "ServerError"}}
}

func (s *Server) UpgradeRequests(serviceID string) []models.UpgradeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.UpgradeRequest(nil), s.services[serviceID].upgrades...)
}

func (s *Server) FinishCount(serviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services[serviceID].finishes
}

// StateReads counts reads made after the upgrade was submitted.
func (s *Server) StateReads(serviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services[serviceID].stateReads
}

func (s *Server) listStacks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := r.URL.Query().Get("name")
	result := models.Collection{Data: []models.Resource{}}
	for _, stack := range s.stacks {
		if stack.Name == name {
			result.Data = append(result.Data, stack)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := r.URL.Query().Get("name")
	stackID := r.URL.Query().Get("stackId")
	result := models.Collection{Data: []models.Resource{}}
	for _, svc := range s.services {
		if svc.resource.Name == name && stackMatches(svc.stackID, stackID) {
			result.Data = append(result.Data, models.Resource{ID: svc.resource.ID, Name: svc.resource.Name})
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// stackMatches accepts both the API id and the rewritten web id (1e5 / 1st5).
func stackMatches(registered, requested string) bool {
	if registered == requested {
		return true
	}
	return len(registered) > 2 && registered[1:2] == "e" &&
		requested == registered[:1]+"st"+registered[2:]
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[mux.Vars(r)["id"]]
	if !ok {
		writeError(w, http.StatusNotFound, models.APIErrorBody{Code: "NotFound"})
		return
	}

	resource := svc.resource
	resource.State = "active"
	if svc.upgraded {
		svc.stateReads++
		resource.State = svc.states[0]
		if len(svc.states) > 1 {
			svc.states = svc.states[1:]
		}
	}
	writeJSON(w, http.StatusOK, resource)
}

func (s *Server) serviceAction(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vars := mux.Vars(r)
	svc, ok := s.services[vars["id"]]
	if !ok {
		writeError(w, http.StatusNotFound, models.APIErrorBody{Code: "NotFound"})
		return
	}

	switch vars["action"] {
	case "upgrade":
		if svc.upgradeFail != nil {
			writeError(w, svc.upgradeFail.status, svc.upgradeFail.body)
			return
		}
		var req models.UpgradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, models.APIErrorBody{Code: "InvalidBodyContent"})
			return
		}
		svc.upgrades = append(svc.upgrades, req)
		svc.upgraded = true
		writeJSON(w, http.StatusAccepted, svc.resource)
	case "finishupgrade":
		if svc.finishFail != nil {
			writeError(w, svc.finishFail.status, svc.finishFail.body)
			return
		}
		svc.finishes++
		writeJSON(w, http.StatusAccepted, svc.resource)
	default:
		writeError(w, http.StatusUnprocessableEntity, models.APIErrorBody{Code: "InvalidAction"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, body models.APIErrorBody) {
	body.Type = "error"
	body.Status = status
	writeJSON(w, status, body)
}
