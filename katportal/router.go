package katportal

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	pubsubIDPrefix    = "redis-pubsub"
	pubsubInitID      = "redis-pubsub-init"
	reconnectIDPrefix = "redis-reconnect"
)

// wireMessage is the envelope shared by every inbound channel message: a
// JSON-RPC response carries result or error, a Pub/Sub publication carries
// a prefixed id and a result payload, a redis-reconnect notice carries only
// a prefixed id.
type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (msg *wireMessage) idString() string {
	var id string
	if err := json.Unmarshal(msg.ID, &id); err == nil {
		return id
	}
	return string(bytes.TrimSpace(msg.ID))
}

// handleMessage classifies an inbound frame by its correlation id: an id
// prefixed redis-pubsub is a data-plane publication, an id prefixed
// redis-reconnect is a notice that katportal reconnected to its backing
// store, anything else is a JSON-RPC response. Processing failures are
// forwarded to the update handler and never crash the read path.
func (client *Client) handleMessage(raw []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			client.logger.Error("error processing websocket message", "panic", recovered, "message", string(raw))
			client.deliverUpdate(string(raw))
		}
	}()

	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil || len(msg.ID) == 0 {
		client.logger.Debug("unclassifiable websocket message", "message", string(raw))
		client.deliverUpdate(string(raw))
		return
	}

	msgID := msg.idString()
	client.logger.Debug("message received", "id", msgID)

	switch {
	case strings.HasPrefix(msgID, pubsubIDPrefix):
		client.processPubSubMessage(&msg, msgID)

	case strings.HasPrefix(msgID, reconnectIDPrefix):
		// Replay runs off the read path so its own responses can be
		// received while it waits.
		go client.resendSubscriptions()

	default:
		client.resolvePending(msgID, &msg)
	}
}

// resolvePending resolves the pending reply matching a JSON-RPC response,
// with the error member when present, else the result member. A response
// without a matching pending request is logged and dropped; it may arrive
// after the caller already gave up, e.g. on disconnect.
func (client *Client) resolvePending(id string, msg *wireMessage) {
	client.pendingLock.Lock()
	reply, exists := client.pending[id]
	delete(client.pending, id)
	client.pendingLock.Unlock()

	if !exists {
		client.logger.Error("message received without a matching pending request", "id", id)
		return
	}

	if len(msg.Error) > 0 && string(msg.Error) != "null" {
		reply.resolve(nil, NewError(RequestFailedError, string(msg.Error)))
		return
	}
	reply.resolve(msg.Result, nil)
}

// processPubSubMessage hands publications addressed to a live sensor
// history namespace to the history synchronizer; everything else goes to
// the update handler.
func (client *Client) processPubSubMessage(msg *wireMessage, msgID string) {
	if msgID == pubsubInitID {
		return
	}

	var result struct {
		MsgChannel string          `json:"msg_channel"`
		MsgData    json.RawMessage `json:"msg_data"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil || result.MsgChannel == "" {
		client.deliverUpdate(json.RawMessage(msg.Result))
		return
	}

	namespace := strings.SplitN(result.MsgChannel, ":", 2)[0]
	client.historyLock.Lock()
	state := client.historyStates[namespace]
	client.historyLock.Unlock()

	if state == nil {
		client.deliverUpdate(json.RawMessage(msg.Result))
		return
	}

	client.processHistoryMessage(state, result.MsgData)
}

func (client *Client) deliverUpdate(message interface{}) {
	if client.onUpdate != nil {
		client.onUpdate(message)
		return
	}
	client.logger.Warn("ignoring message, no update handler registered")
}
