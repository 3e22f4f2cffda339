package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeAPI is a minimal AdminAPI double, the same shape as the teacher's
// fake stores used in internal/node's handler tests.
type fakeAPI struct {
	id         string
	nodes      []NodeInfo
	slots      []SlotRange
	meetErr    error
	lastMeet   [2]interface{}
	addErr     error
	lastAdd    []int
	slotErr    error
	lastAction string
	lastSlot   int
	lastTarget string
	keySlot    int
	failoverTo bool
}

func (f *fakeAPI) MyID() string { return f.id }
func (f *fakeAPI) Meet(host string, port int) error {
	f.lastMeet = [2]interface{}{host, port}
	return f.meetErr
}
func (f *fakeAPI) Forget(id string) error        { return nil }
func (f *fakeAPI) Nodes() []NodeInfo              { return f.nodes }
func (f *fakeAPI) Slots() []SlotRange             { return f.slots }
func (f *fakeAPI) FlushSlots() error              { return nil }
func (f *fakeAPI) AddSlots(slots []int) error     { f.lastAdd = slots; return f.addErr }
func (f *fakeAPI) DelSlots(slots []int) error     { return nil }
func (f *fakeAPI) SetSlotStable(slot int) error {
	f.lastAction, f.lastSlot = "STABLE", slot
	return f.slotErr
}
func (f *fakeAPI) SetSlotMigrating(slot int, target string) error {
	f.lastAction, f.lastSlot, f.lastTarget = "MIGRATING", slot, target
	return f.slotErr
}
func (f *fakeAPI) SetSlotImporting(slot int, source string) error {
	f.lastAction, f.lastSlot, f.lastTarget = "IMPORTING", slot, source
	return f.slotErr
}
func (f *fakeAPI) SetSlotNode(slot int, nodeID string) error {
	f.lastAction, f.lastSlot, f.lastTarget = "NODE", slot, nodeID
	return f.slotErr
}
func (f *fakeAPI) SetConfigEpoch(epoch uint64) error { return nil }
func (f *fakeAPI) KeySlot(key string) int            { return f.keySlot }
func (f *fakeAPI) CountKeysInSlot(slot int) int      { return 0 }
func (f *fakeAPI) GetKeysInSlot(slot, count int) []string { return nil }
func (f *fakeAPI) Replicate(masterID string) error   { return nil }
func (f *fakeAPI) Slaves(masterID string) ([]NodeInfo, error) { return f.nodes, nil }
func (f *fakeAPI) CountFailureReports(id string) int { return 0 }
func (f *fakeAPI) Failover(takeover bool) error      { f.failoverTo = takeover; return nil }
func (f *fakeAPI) Reset(hard bool) error             { return nil }
func (f *fakeAPI) SaveConfig() error                 { return nil }
func (f *fakeAPI) Info() map[string]string           { return map[string]string{"role": "master"} }

func newTestServer(api AdminAPI) *Server {
	return New(api, prometheus.NewRegistry())
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	return w
}

func TestMyIDHandler(t *testing.T) {
	api := &fakeAPI{id: "abc123"}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "GET", "/cluster/myid", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["id"] != "abc123" {
		t.Fatalf("id = %q, want abc123", resp["id"])
	}
}

func TestMeetHandler(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "POST", "/cluster/meet", meetRequest{Host: "10.0.0.1", Port: 7000})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if api.lastMeet[0] != "10.0.0.1" || api.lastMeet[1] != 7000 {
		t.Fatalf("Meet called with %v, want (10.0.0.1, 7000)", api.lastMeet)
	}
}

func TestMeetHandlerPropagatesError(t *testing.T) {
	api := &fakeAPI{meetErr: errors.New("boom")}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "POST", "/cluster/meet", meetRequest{Host: "10.0.0.1", Port: 7000})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestAddSlotsHandler(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "POST", "/cluster/addslots", slotsRequest{Slots: []int{1, 2, 3}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(api.lastAdd) != 3 {
		t.Fatalf("AddSlots called with %v, want 3 slots", api.lastAdd)
	}
}

func TestAddSlotsHandlerConflict(t *testing.T) {
	api := &fakeAPI{addErr: errors.New("slot 5 already assigned")}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "POST", "/cluster/addslots", slotsRequest{Slots: []int{5}})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestSetSlotHandlerDispatchesByAction(t *testing.T) {
	cases := []struct {
		action string
		want   string
	}{
		{"STABLE", "STABLE"},
		{"MIGRATING", "MIGRATING"},
		{"IMPORTING", "IMPORTING"},
		{"NODE", "NODE"},
		{"stable", "STABLE"},
	}
	for _, c := range cases {
		api := &fakeAPI{}
		s := newTestServer(api)
		w := doJSON(t, s, "POST", "/cluster/setslot", setSlotRequest{Slot: 9, Action: c.action, Node: "n1"})
		s.Close()
		if w.Code != http.StatusOK {
			t.Fatalf("action %q: status = %d, want 200", c.action, w.Code)
		}
		if api.lastAction != c.want {
			t.Fatalf("action %q: dispatched %q, want %q", c.action, api.lastAction, c.want)
		}
	}
}

func TestSetSlotHandlerRejectsUnknownAction(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "POST", "/cluster/setslot", setSlotRequest{Slot: 9, Action: "BOGUS"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestKeySlotHandler(t *testing.T) {
	api := &fakeAPI{keySlot: 4242}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "GET", "/cluster/keyslot/somekey", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["slot"] != 4242 {
		t.Fatalf("slot = %d, want 4242", resp["slot"])
	}
}

func TestFailoverHandlerPassesTakeover(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "POST", "/cluster/failover", failoverRequest{Takeover: true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !api.failoverTo {
		t.Fatal("expected Failover(true) to be called")
	}
}

func TestHealthHandler(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	api := &fakeAPI{}
	s := newTestServer(api)
	defer s.Close()

	w := doJSON(t, s, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("clustermesh_admin_requests_total")) {
		t.Fatal("expected /metrics to expose clustermesh_admin_requests_total")
	}
}

func TestRequireSignatureRejectsMissingHeader(t *testing.T) {
	api := &fakeAPI{id: "abc"}
	s := New(api, prometheus.NewRegistry(), WithClusterSecret("topsecret"))
	defer s.Close()

	w := doJSON(t, s, "GET", "/cluster/myid", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRequireSignatureAcceptsValidSignature(t *testing.T) {
	api := &fakeAPI{id: "abc"}
	s := New(api, prometheus.NewRegistry(), WithClusterSecret("topsecret"))
	defer s.Close()

	r := httptest.NewRequest("GET", "/cluster/myid", nil)
	r.Header.Set("X-Cluster-Signature", SignBody("topsecret", nil))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
