package katportal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type portalRequest struct {
	ID     string
	Method string
	Params []interface{}
}

// fakePortal imitates the katportal webserver: it upgrades websocket
// connections on /ws, answers JSON-RPC requests, counts PING frames, and
// lets tests push Pub/Sub publications. HTTP endpoints for the sitemap and
// REST lookups are registered on the embedded mux per test.
type fakePortal struct {
	t      *testing.T
	mux    *http.ServeMux
	server *httptest.Server

	writeMu sync.Mutex

	mu          sync.Mutex
	conns       []*websocket.Conn
	requests    []portalRequest
	pings       int
	manual      bool
	upgradeGate chan struct{}
	held        int
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()

	portal := &fakePortal{t: t, mux: http.NewServeMux()}
	upgrader := websocket.Upgrader{}
	portal.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		portal.mu.Lock()
		gate := portal.upgradeGate
		if gate != nil {
			portal.held++
		}
		portal.mu.Unlock()
		if gate != nil {
			<-gate
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		portal.mu.Lock()
		portal.conns = append(portal.conns, conn)
		portal.mu.Unlock()
		portal.serve(conn)
	})
	portal.server = httptest.NewServer(portal.mux)
	return portal
}

// Close closes every websocket connection before shutting the server down,
// so hijacked handlers unblock and no goroutine outlives the test.
func (portal *fakePortal) Close() {
	portal.mu.Lock()
	conns := portal.conns
	portal.conns = nil
	portal.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	portal.server.Close()
}

func (portal *fakePortal) baseURL() string {
	return portal.server.URL
}

func (portal *fakePortal) wsURL() string {
	return "ws" + strings.TrimPrefix(portal.server.URL, "http") + "/ws"
}

func (portal *fakePortal) setManual(manual bool) {
	portal.mu.Lock()
	portal.manual = manual
	portal.mu.Unlock()
}

func (portal *fakePortal) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(raw) == heartbeatFrame {
			portal.mu.Lock()
			portal.pings++
			portal.mu.Unlock()
			continue
		}

		var req portalRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		portal.mu.Lock()
		portal.requests = append(portal.requests, req)
		manual := portal.manual
		portal.mu.Unlock()

		if !manual {
			portal.write(conn, map[string]interface{}{"id": req.ID, "result": defaultResult(req)})
		}
	}
}

func defaultResult(req portalRequest) interface{} {
	if req.Method == "add" && len(req.Params) == 2 {
		x, _ := req.Params[0].(float64)
		y, _ := req.Params[1].(float64)
		return x + y
	}
	return 1
}

func (portal *fakePortal) write(conn *websocket.Conn, payload interface{}) {
	portal.writeMu.Lock()
	defer portal.writeMu.Unlock()
	_ = conn.WriteJSON(payload)
}

func (portal *fakePortal) latestConn() *websocket.Conn {
	portal.mu.Lock()
	defer portal.mu.Unlock()
	if len(portal.conns) == 0 {
		return nil
	}
	return portal.conns[len(portal.conns)-1]
}

// push sends a server-initiated frame over the latest connection.
func (portal *fakePortal) push(payload interface{}) {
	conn := portal.latestConn()
	if conn == nil {
		portal.t.Fatalf("push with no connected websocket")
	}
	portal.write(conn, payload)
}

func (portal *fakePortal) respondTo(req portalRequest, result interface{}) {
	portal.push(map[string]interface{}{"id": req.ID, "result": result})
}

func (portal *fakePortal) respondError(req portalRequest, errValue interface{}) {
	portal.push(map[string]interface{}{"id": req.ID, "error": errValue})
}

// holdUpgrades stalls websocket handshakes until the returned release
// function is called, keeping a client dial in flight.
func (portal *fakePortal) holdUpgrades() func() {
	gate := make(chan struct{})
	portal.mu.Lock()
	portal.upgradeGate = gate
	portal.mu.Unlock()
	return func() {
		portal.mu.Lock()
		portal.upgradeGate = nil
		portal.mu.Unlock()
		close(gate)
	}
}

// awaitHeldUpgrades waits until count handshakes are stalled at the gate.
func (portal *fakePortal) awaitHeldUpgrades(count int) {
	portal.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		portal.mu.Lock()
		held := portal.held
		portal.mu.Unlock()
		if held >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	portal.t.Fatalf("expected %d stalled handshakes", count)
}

func (portal *fakePortal) awaitConns(count int) {
	portal.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		portal.mu.Lock()
		conns := len(portal.conns)
		portal.mu.Unlock()
		if conns >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	portal.t.Fatalf("expected %d websocket connections", count)
}

// dropConn closes the latest websocket connection server-side, as if the
// portal went away.
func (portal *fakePortal) dropConn() {
	conn := portal.latestConn()
	if conn != nil {
		_ = conn.Close()
	}
}

func (portal *fakePortal) requestsSnapshot() []portalRequest {
	portal.mu.Lock()
	defer portal.mu.Unlock()
	return append([]portalRequest(nil), portal.requests...)
}

func (portal *fakePortal) awaitRequests(count int) []portalRequest {
	portal.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		requests := portal.requestsSnapshot()
		if len(requests) >= count {
			return requests
		}
		time.Sleep(5 * time.Millisecond)
	}
	portal.t.Fatalf("expected %d requests, got %+v", count, portal.requestsSnapshot())
	return nil
}

func (portal *fakePortal) awaitPings(count int) {
	portal.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		portal.mu.Lock()
		pings := portal.pings
		portal.mu.Unlock()
		if pings >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	portal.t.Fatalf("expected %d PING frames", count)
}

// serveSitemap registers the directory document on the portal's root path.
// Endpoint values that do not start with a scheme are prefixed with the
// portal's base URL.
func (portal *fakePortal) serveSitemap(endpoints map[string]interface{}) {
	doc := make(map[string]interface{}, len(endpoints))
	for key, value := range endpoints {
		if path, ok := value.(string); ok && strings.HasPrefix(path, "/") {
			doc[key] = portal.baseURL() + path
		} else {
			doc[key] = value
		}
	}
	portal.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"client": doc})
	})
}

// awaitNoPending waits until every in-flight request has been resolved.
// Replies are never resolved for a connection that drops, so tests let the
// replies drain before they disconnect.
func awaitNoPending(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.pendingLock.Lock()
		outstanding := len(client.pending)
		client.pendingLock.Unlock()
		if outstanding == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("requests still pending")
}

func newTestClient(portal *fakePortal, onUpdate UpdateHandler) *Client {
	return NewClient(portal.wsURL(), onUpdate).
		SetHTTPClient(portal.server.Client()).
		SetHeartbeatInterval(0).
		SetReconnectDelayStrategy(NewFixedDelayStrategy(10 * time.Millisecond))
}
