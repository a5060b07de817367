package katportal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Limit for sensor history queries, in order to preserve memory on
	// katportal.
	MaxSamplesPerHistoryQuery = 1000000

	// Samples are published in blocks, so many at a time.
	// 43200 = 12 hour chunks if 1 sample every second.
	SampleHistoryChunkSize = 43200

	// Request sample times in milliseconds for better precision.
	sampleHistoryTimeType     = "ms"
	sampleHistoryMillisPerSec = 1000.0

	DefaultConnectTimeout    = 10 * time.Second
	DefaultReconnectInterval = 15 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultHistoryTimeout    = 5 * time.Minute

	heartbeatFrame = "PING"
)

// UpdateHandler is invoked for every Pub/Sub update message that is not
// consumed internally, and for any message the client failed to classify.
type UpdateHandler func(message interface{})

// Client provides simple access to katportal. It wraps the functions
// available on katportal webservers via the Pub/Sub websocket capability and
// plain HTTP requests.
//
// The websocket channel is owned by the client: when it drops without an
// explicit Disconnect, the client reconnects periodically and resends the
// subscriptions and sampling strategies recorded while it was connected.
type Client struct {
	url      string
	onUpdate UpdateHandler
	logger   *slog.Logger

	httpClient         *http.Client
	connectTimeout     time.Duration
	heartbeatInterval  time.Duration
	reconnectStrategy  ReconnectDelayStrategy
	historySampleLimit int

	// connectingLock ensures only a single connection attempt can be made;
	// concurrent callers collapse into one.
	connectingLock sync.Mutex

	lock             sync.Mutex
	conn             *websocket.Conn
	disconnectIssued bool
	heartbeatStop    chan struct{}

	writeLock sync.Mutex

	pendingLock sync.Mutex
	pending     map[string]*pendingReply

	cache *requestCache

	historyLock   sync.Mutex
	historyStates map[string]*sensorHistoryState

	sitemapOnce sync.Once
	sitemap     Sitemap

	sessionLock sync.Mutex
	sessionID   string
	userID      interface{}
}

// NewClient returns a new Client for the given client sitemap URL, e.g.
// http://<portal server>/api/client/<subarray #>. A bare websocket URL is
// also accepted; in that case the other sitemap endpoints stay blank.
// onUpdate may be nil, in which case unconsumed updates are logged and
// dropped.
func NewClient(url string, onUpdate UpdateHandler) *Client {
	return &Client{
		url:                url,
		onUpdate:           onUpdate,
		logger:             slog.Default(),
		httpClient:         &http.Client{Timeout: 30 * time.Second},
		connectTimeout:     DefaultConnectTimeout,
		heartbeatInterval:  DefaultHeartbeatInterval,
		reconnectStrategy:  NewFixedDelayStrategy(DefaultReconnectInterval),
		historySampleLimit: MaxSamplesPerHistoryQuery,
		pending:            make(map[string]*pendingReply),
		cache:              newRequestCache(),
		historyStates:      make(map[string]*sensorHistoryState),
	}
}

// SetLogger sets the structured logger on the receiver.
func (client *Client) SetLogger(logger *slog.Logger) *Client {
	client.logger = logger
	return client
}

// SetHTTPClient sets the HTTP client used for one-shot fetches.
func (client *Client) SetHTTPClient(httpClient *http.Client) *Client {
	client.httpClient = httpClient
	return client
}

// SetConnectTimeout sets the websocket handshake timeout on the receiver.
func (client *Client) SetConnectTimeout(timeout time.Duration) *Client {
	client.connectTimeout = timeout
	return client
}

// SetHeartbeatInterval sets the liveness probe period on the receiver.
func (client *Client) SetHeartbeatInterval(interval time.Duration) *Client {
	client.heartbeatInterval = interval
	return client
}

// SetReconnectDelayStrategy sets the delay between reconnect attempts.
func (client *Client) SetReconnectDelayStrategy(strategy ReconnectDelayStrategy) *Client {
	client.reconnectStrategy = strategy
	return client
}

// SetHistorySampleLimit sets the hard cap on samples per history query.
func (client *Client) SetHistorySampleLimit(limit int) *Client {
	if limit > 0 {
		client.historySampleLimit = limit
	}
	return client
}

// IsConnected reports whether the websocket channel is connected.
func (client *Client) IsConnected() bool {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.conn != nil
}

// Connect opens the websocket channel discovered from the sitemap. It is a
// no-op when already connected. A failure to connect is returned to the
// caller and is not retried automatically; only the internal reconnect path
// retries after the connection was lost.
func (client *Client) Connect() error {
	return client.connect(false)
}

func (client *Client) connect(reconnecting bool) error {
	client.connectingLock.Lock()
	defer client.connectingLock.Unlock()

	client.lock.Lock()
	if reconnecting && client.disconnectIssued {
		// A disconnect was issued after this reconnect attempt was
		// scheduled.
		client.lock.Unlock()
		return nil
	}
	client.disconnectIssued = false
	alreadyConnected := client.conn != nil
	client.lock.Unlock()

	if alreadyConnected {
		return nil
	}

	client.stopHeartbeat()

	endpoint := client.Sitemap().Websocket
	client.logger.Debug("connecting to websocket", "url", endpoint)

	dialer := websocket.Dialer{HandshakeTimeout: client.connectTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		client.logger.Error("could not connect websocket", "url", endpoint, "error", err)
		if reconnecting {
			client.scheduleReconnect(endpoint)
			return nil
		}
		client.logger.Error("failed to connect")
		return NewError(ConnectionError, err)
	}

	client.lock.Lock()
	if reconnecting && client.disconnectIssued {
		// A disconnect landed while the dial was in flight.
		client.lock.Unlock()
		_ = conn.Close()
		return nil
	}
	client.conn = conn
	client.lock.Unlock()

	go client.readLoop(conn)

	if reconnecting {
		client.resendSubscriptionsAndStrategies()
		client.reconnectStrategy.Reset()
		client.logger.Info("reconnected")
	}
	client.startHeartbeat()

	return nil
}

func (client *Client) scheduleReconnect(endpoint string) {
	delay, err := client.reconnectStrategy.GetConnectWaitDuration(endpoint)
	if err != nil {
		delay = DefaultReconnectInterval
	}
	client.logger.Info("retrying connection", "delay", delay)
	time.AfterFunc(delay, func() {
		_ = client.connect(true)
	})
}

// Disconnect closes the websocket channel, stops the heartbeat and clears
// the replay cache. It suppresses automatic reconnection and is idempotent.
func (client *Client) Disconnect() {
	client.stopHeartbeat()

	client.lock.Lock()
	client.disconnectIssued = true
	conn := client.conn
	client.conn = nil
	client.lock.Unlock()

	client.cache.clear()
	client.logger.Debug("cleared request replay cache")

	if conn != nil {
		_ = conn.Close()
		client.logger.Debug("disconnected client websocket")
	}

	client.dropPending()
}

// dropPending destroys the pending operations tied to a torn-down
// connection. Their replies stay unresolved; a late response carrying one
// of the dropped ids finds no match and is logged and dropped.
func (client *Client) dropPending() {
	client.pendingLock.Lock()
	client.pending = make(map[string]*pendingReply)
	client.pendingLock.Unlock()
}

func (client *Client) startHeartbeat() {
	if client.heartbeatInterval <= 0 {
		return
	}

	stop := make(chan struct{})
	client.lock.Lock()
	if client.disconnectIssued || client.conn == nil {
		// Disconnected while this connect attempt was finishing.
		client.lock.Unlock()
		return
	}
	client.heartbeatStop = stop
	client.lock.Unlock()

	go func() {
		ticker := time.NewTicker(client.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				client.sendHeartbeat()
			}
		}
	}()
}

func (client *Client) stopHeartbeat() {
	client.lock.Lock()
	if client.heartbeatStop != nil {
		close(client.heartbeatStop)
		client.heartbeatStop = nil
	}
	client.lock.Unlock()
}

// sendHeartbeat writes a PING frame to test whether the connection is still
// alive. A write failure here is indistinguishable from any other transport
// fault and is discovered through the read path, not synchronously.
func (client *Client) sendHeartbeat() {
	client.lock.Lock()
	conn := client.conn
	client.lock.Unlock()

	if conn == nil {
		client.logger.Debug("attempting to send a PING over a closed websocket")
		return
	}

	client.writeLock.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(heartbeatFrame))
	client.writeLock.Unlock()
}

func (client *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			client.handleConnectionLoss(conn)
			return
		}
		client.handleMessage(raw)
	}
}

// handleConnectionLoss runs when the transport closed without a
// client-issued disconnect: the local handle is dropped and the channel is
// reconnected with a full replay of the cached subscriptions and
// strategies.
func (client *Client) handleConnectionLoss(conn *websocket.Conn) {
	client.lock.Lock()
	issued := client.disconnectIssued
	current := client.conn == conn
	if current {
		_ = client.conn.Close()
		client.conn = nil
	}
	client.lock.Unlock()

	if current {
		client.dropPending()
	}
	if issued {
		return
	}

	client.logger.Warn("websocket server disconnected")
	_ = client.connect(true)
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// pendingReply is the placeholder for the eventual result of one in-flight
// request. It is resolved exactly once; a reply whose connection is lost
// before the response arrives stays unresolved, so a caller that needs a
// bound must time its wait out itself.
type pendingReply struct {
	once sync.Once
	ch   chan rpcOutcome
}

func newPendingReply() *pendingReply {
	return &pendingReply{ch: make(chan rpcOutcome, 1)}
}

func (reply *pendingReply) resolve(result json.RawMessage, err error) {
	reply.once.Do(func() {
		reply.ch <- rpcOutcome{result: result, err: err}
	})
}

// Wait blocks until the reply is resolved. The wait is unbounded; callers
// that need a bound must apply their own timeout.
func (reply *pendingReply) Wait() (json.RawMessage, error) {
	outcome := <-reply.ch
	return outcome.result, outcome.err
}

// send registers a pending reply for the request and writes it to the
// channel. When not connected the reply is resolved immediately with a
// DisconnectedError rather than left outstanding.
func (client *Client) send(req *JSONRPCRequest) *pendingReply {
	reply := newPendingReply()

	client.lock.Lock()
	conn := client.conn
	client.lock.Unlock()

	if conn == nil {
		client.logger.Error("failed to send request, not connected", "method", req.Method)
		reply.resolve(nil, NewError(DisconnectedError, "failed to send request: not connected"))
		return reply
	}

	payload, err := req.payload()
	if err != nil {
		reply.resolve(nil, NewError(ProtocolError, err))
		return reply
	}

	client.pendingLock.Lock()
	client.pending[req.ID] = reply
	client.pendingLock.Unlock()

	client.writeLock.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	client.writeLock.Unlock()
	if err != nil {
		client.pendingLock.Lock()
		delete(client.pending, req.ID)
		client.pendingLock.Unlock()
		reply.resolve(nil, NewError(ConnectionError, err))
	}

	return reply
}

// call sends the request, waits for the response, and records the request
// in the replay cache when asked to and the call completed on the wire.
func (client *Client) call(req *JSONRPCRequest, record bool) (json.RawMessage, error) {
	result, err := client.send(req).Wait()
	if record && (err == nil || ErrorCode(err) == RequestFailedError) {
		client.cache.record(req)
	}
	return result, err
}

func (client *Client) resendSubscriptionsAndStrategies() {
	client.resend(client.cache.snapshot())
}

// resendSubscriptions replays only the cached subscribe calls. This is the
// redis-reconnect path: katportal lost its own redis connection while the
// client stayed connected, so sampling strategies are still in effect.
func (client *Client) resendSubscriptions() {
	client.resend(client.cache.subscriptions())
}

func (client *Client) resend(requests []*JSONRPCRequest) {
	for _, req := range requests {
		client.logger.Info("resending request", "method", req.Method, "id", req.ID)
		result, err := client.send(req).Wait()
		if err != nil {
			client.logger.Warn("resend failed", "method", req.Method, "error", err)
			continue
		}
		client.logger.Info("resent request", "method", req.Method, "result", string(result))
	}
}

// Add asks the portal to add two numbers. Simple method useful for testing
// the channel.
func (client *Client) Add(x, y float64) (json.RawMessage, error) {
	req := NewJSONRPCRequest("add", []interface{}{x, y})
	return client.call(req, false)
}

// Subscribe subscribes to the specified string identifiers in a namespace.
// Identifiers may be exact strings or redis glob-style patterns; with no
// identifiers the whole namespace is subscribed. Returns the portal's
// response, normally the number of identifiers subscribed to.
func (client *Client) Subscribe(namespace string, subStrings ...string) (json.RawMessage, error) {
	req := NewJSONRPCRequest("subscribe", []interface{}{namespace, subscriptionParam(subStrings)})
	return client.call(req, true)
}

// Unsubscribe unsubscribes from the specified string identifiers in a
// namespace. The names and patterns must match the original subscription
// exactly.
func (client *Client) Unsubscribe(namespace string, unsubStrings ...string) (json.RawMessage, error) {
	req := NewJSONRPCRequest("unsubscribe", []interface{}{namespace, subscriptionParam(unsubStrings)})
	return client.call(req, true)
}

// SetSamplingStrategy sets a sampling strategy for a single sensor, e.g.
// "event", "period 0.5" or "event-rate 1.0 5.0". The literal strategy
// "none" clears the strategy on the sensor. persistToRedis asks katportal
// to keep the last sensor value readable without waiting for an update.
func (client *Client) SetSamplingStrategy(namespace, sensorName, strategyAndParams string, persistToRedis ...bool) (json.RawMessage, error) {
	persist := false
	if len(persistToRedis) > 0 {
		persist = persistToRedis[0]
	}
	req := NewJSONRPCRequest("set_sampling_strategy",
		[]interface{}{namespace, sensorName, strategyAndParams, persist})
	return client.call(req, true)
}

// SetSamplingStrategies sets a sampling strategy for every sensor matching
// the given regular expression filters.
func (client *Client) SetSamplingStrategies(namespace string, filters []string, strategyAndParams string, persistToRedis ...bool) (json.RawMessage, error) {
	persist := false
	if len(persistToRedis) > 0 {
		persist = persistToRedis[0]
	}
	req := NewJSONRPCRequest("set_sampling_strategies",
		[]interface{}{namespace, filters, strategyAndParams, persist})
	return client.call(req, true)
}

// subscriptionParam renders the identifier list for the wire. No
// identifiers subscribes the whole namespace; a single identifier is sent
// as a bare string rather than a one-element list. The portal accepts both
// shapes; katportalclient libraries for other languages always send a list.
func subscriptionParam(subStrings []string) interface{} {
	switch len(subStrings) {
	case 0:
		return nil
	case 1:
		return subStrings[0]
	default:
		return subStrings
	}
}
