package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var errUnknownSetSlotAction = errors.New("server: unknown setslot action, want STABLE, MIGRATING, IMPORTING or NODE")

// Server exposes an AdminAPI over HTTP, grounded on the teacher's
// internal/node.Server (router construction, instrumented handlers,
// security middleware) generalized from a fixed PUT/GET data surface to
// the operator command set of spec §6.
type Server struct {
	api           AdminAPI
	metrics       *Metrics
	securityMW    *SecurityMiddleware
	clusterSecret string
	uptime        time.Time
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithClusterSecret requires every request to carry a valid
// X-Cluster-Signature header (see auth.go).
func WithClusterSecret(secret string) Option {
	return func(s *Server) { s.clusterSecret = secret }
}

// New builds a Server around api, registering metrics against reg.
func New(api AdminAPI, reg prometheus.Registerer, opts ...Option) *Server {
	s := &Server{
		api:     api,
		metrics: NewMetrics(reg),
		uptime:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.securityMW = NewSecurityMiddleware(reg, 50, 100, 1<<20)
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.securityMW.Middleware)
	r.Use(TimeoutMiddleware(10 * time.Second))
	if s.clusterSecret != "" {
		r.Use(RequireSignature(s.clusterSecret))
	}

	r.HandleFunc("/health", s.instrumentHandler("health", s.healthHandler)).Methods("GET")
	r.HandleFunc("/metrics", promhttp.Handler().ServeHTTP).Methods("GET")

	c := r.PathPrefix("/cluster").Subrouter()
	c.Use(MaxRequestSizeMiddleware(1 << 20))
	c.HandleFunc("/myid", s.instrumentHandler("myid", s.myIDHandler)).Methods("GET")
	c.HandleFunc("/nodes", s.instrumentHandler("nodes", s.nodesHandler)).Methods("GET")
	c.HandleFunc("/slots", s.instrumentHandler("slots", s.slotsHandler)).Methods("GET")
	c.HandleFunc("/info", s.instrumentHandler("info", s.infoHandler)).Methods("GET")
	c.HandleFunc("/meet", s.instrumentHandler("meet", s.meetHandler)).Methods("POST")
	c.HandleFunc("/forget/{id}", s.instrumentHandler("forget", s.forgetHandler)).Methods("POST")
	c.HandleFunc("/addslots", s.instrumentHandler("addslots", s.addSlotsHandler)).Methods("POST")
	c.HandleFunc("/delslots", s.instrumentHandler("delslots", s.delSlotsHandler)).Methods("POST")
	c.HandleFunc("/flushslots", s.instrumentHandler("flushslots", s.flushSlotsHandler)).Methods("POST")
	c.HandleFunc("/setslot", s.instrumentHandler("setslot", s.setSlotHandler)).Methods("POST")
	c.HandleFunc("/set-config-epoch", s.instrumentHandler("set-config-epoch", s.setConfigEpochHandler)).Methods("POST")
	c.HandleFunc("/keyslot/{key}", s.instrumentHandler("keyslot", s.keySlotHandler)).Methods("GET")
	c.HandleFunc("/countkeysinslot/{slot}", s.instrumentHandler("countkeysinslot", s.countKeysInSlotHandler)).Methods("GET")
	c.HandleFunc("/getkeysinslot/{slot}", s.instrumentHandler("getkeysinslot", s.getKeysInSlotHandler)).Methods("GET")
	c.HandleFunc("/replicate/{id}", s.instrumentHandler("replicate", s.replicateHandler)).Methods("POST")
	c.HandleFunc("/slaves/{id}", s.instrumentHandler("slaves", s.slavesHandler)).Methods("GET")
	c.HandleFunc("/count-failure-reports/{id}", s.instrumentHandler("count-failure-reports", s.countFailureReportsHandler)).Methods("GET")
	c.HandleFunc("/failover", s.instrumentHandler("failover", s.failoverHandler)).Methods("POST")
	c.HandleFunc("/reset", s.instrumentHandler("reset", s.resetHandler)).Methods("POST")
	c.HandleFunc("/saveconfig", s.instrumentHandler("saveconfig", s.saveConfigHandler)).Methods("POST")

	return r
}

func (s *Server) Close() error {
	s.securityMW.Close()
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.uptime).String(),
	})
}

func (s *Server) myIDHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"id": s.api.MyID()})
}

func (s *Server) nodesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api.Nodes())
}

func (s *Server) slotsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api.Slots())
}

func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api.Info())
}

type meetRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s *Server) meetHandler(w http.ResponseWriter, r *http.Request) {
	var req meetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.Meet(req.Host, req.Port); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) forgetHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.api.Forget(id); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type slotsRequest struct {
	Slots []int `json:"slots"`
}

func (s *Server) addSlotsHandler(w http.ResponseWriter, r *http.Request) {
	var req slotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.AddSlots(req.Slots); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) delSlotsHandler(w http.ResponseWriter, r *http.Request) {
	var req slotsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.DelSlots(req.Slots); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) flushSlotsHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.api.FlushSlots(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type setSlotRequest struct {
	Slot   int    `json:"slot"`
	Action string `json:"action"` // IMPORTING|MIGRATING|STABLE|NODE
	Node   string `json:"node,omitempty"`
}

func (s *Server) setSlotHandler(w http.ResponseWriter, r *http.Request) {
	var req setSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	switch strings.ToUpper(req.Action) {
	case "STABLE":
		err = s.api.SetSlotStable(req.Slot)
	case "MIGRATING":
		err = s.api.SetSlotMigrating(req.Slot, req.Node)
	case "IMPORTING":
		err = s.api.SetSlotImporting(req.Slot, req.Node)
	case "NODE":
		err = s.api.SetSlotNode(req.Slot, req.Node)
	default:
		s.writeError(w, http.StatusBadRequest, errUnknownSetSlotAction)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type setConfigEpochRequest struct {
	Epoch uint64 `json:"epoch"`
}

func (s *Server) setConfigEpochHandler(w http.ResponseWriter, r *http.Request) {
	var req setConfigEpochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.SetConfigEpoch(req.Epoch); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) keySlotHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s.writeJSON(w, http.StatusOK, map[string]int{"slot": s.api.KeySlot(key)})
}

func (s *Server) countKeysInSlotHandler(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(mux.Vars(r)["slot"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"count": s.api.CountKeysInSlot(slot)})
}

func (s *Server) getKeysInSlotHandler(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(mux.Vars(r)["slot"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		count, _ = strconv.Atoi(v)
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"keys": s.api.GetKeysInSlot(slot, count)})
}

func (s *Server) replicateHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.api.Replicate(id); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) slavesHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slaves, err := s.api.Slaves(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, slaves)
}

func (s *Server) countFailureReportsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.writeJSON(w, http.StatusOK, map[string]int{"count": s.api.CountFailureReports(id)})
}

type failoverRequest struct {
	Takeover bool `json:"takeover"`
}

func (s *Server) failoverHandler(w http.ResponseWriter, r *http.Request) {
	var req failoverRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.api.Failover(req.Takeover); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type resetRequest struct {
	Hard bool `json:"hard"`
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.api.Reset(req.Hard); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) saveConfigHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.api.SaveConfig(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
