// Package katportal provides a Go client for katportal webservers, covering
// the Pub/Sub websocket capability and the HTTP request surface.
//
// The primary lifecycle is:
//   - construct a Client with NewClient, pointing it at a client sitemap URL
//   - Connect the websocket channel
//   - Subscribe to namespaces and set sensor sampling strategies
//   - issue one-shot lookups (schedule blocks, sensor details, histories)
//   - Disconnect when finished
//
// The websocket connection is self-healing: when the server closes it without
// a client-issued Disconnect, the client reconnects at a fixed interval and
// replays the subscriptions and sampling strategies recorded while connected.
// A redis-reconnect notice from the portal replays subscriptions only.
//
// Exported client APIs synchronize internal state and are safe for concurrent
// use. The update handler runs on the receive path and should not block.
//
// Errors are reported as typed katportal errors created with NewError and can
// be classified with ErrorCode.
package katportal
