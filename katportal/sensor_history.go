package katportal

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SensorSample represents one sensor sample.
//
//   - Timestamp is the time (UNIX epoch seconds) the sample was received by
//     CAM, with millisecond precision.
//   - Value is the sensor value when sampled; units depend on the sensor,
//     see SensorDetail.
//   - Status is the sensor status as defined by the KATCP protocol, e.g.
//     "nominal", "warn", "failure", "error", "unreachable", "unknown".
type SensorSample struct {
	Timestamp float64
	Value     string
	Status    string
}

// CSV returns the sample in comma separated values format.
func (sample SensorSample) CSV() string {
	return fmt.Sprintf("%v,%s,%s", sample.Timestamp, sample.Value, sample.Status)
}

// SensorSampleValueTs is a SensorSample that additionally carries
// ValueTimestamp, the time (UNIX epoch seconds) the sample was read at the
// lowest level sensor.
type SensorSampleValueTs struct {
	Timestamp      float64
	ValueTimestamp float64
	Value          string
	Status         string
}

// CSV returns the sample in comma separated values format.
func (sample SensorSampleValueTs) CSV() string {
	return fmt.Sprintf("%v,%v,%s,%s", sample.Timestamp, sample.ValueTimestamp, sample.Value, sample.Status)
}

// sensorHistoryState tracks one in-flight sensor history download. Each
// query gets its own private namespace, so concurrent queries cannot
// interfere. The state lives from call start to call end only.
type sensorHistoryState struct {
	sensor         string
	includeValueTs bool

	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	pending int
	samples []SensorSampleValueTs
}

func newSensorHistoryState(sensor string, includeValueTs bool) *sensorHistoryState {
	return &sensorHistoryState{
		sensor:         sensor,
		includeValueTs: includeValueTs,
		done:           make(chan struct{}),
	}
}

func (state *sensorHistoryState) recordInform(numSamples int, done bool) {
	state.mu.Lock()
	state.pending += numSamples
	state.mu.Unlock()

	if done {
		state.doneOnce.Do(func() { close(state.done) })
	}
}

func (state *sensorHistoryState) recordRows(rows [][]interface{}) {
	state.mu.Lock()
	defer state.mu.Unlock()

	accepted := 0
	for _, row := range rows {
		// Sample rows have exactly 6 fields; anything else is dropped.
		// Timestamps arrive in milliseconds and are scaled to seconds, e.g.
		// [1476164224429, 1476164223640, 1476164224429354,
		//  "5.07571614843", "anc_mean_wind_speed", "nominal"]
		if len(row) != 6 {
			continue
		}
		state.samples = append(state.samples, SensorSampleValueTs{
			Timestamp:      numberValue(row[0]) / sampleHistoryMillisPerSec,
			ValueTimestamp: numberValue(row[1]) / sampleHistoryMillisPerSec,
			Value:          stringValue(row[3]),
			Status:         stringValue(row[5]),
		})
		accepted++
	}
	state.pending -= accepted
}

func (state *sensorHistoryState) take() []SensorSampleValueTs {
	state.mu.Lock()
	defer state.mu.Unlock()
	samples := state.samples
	state.samples = nil
	return samples
}

// processHistoryMessage feeds one data-plane publication into a history
// download: either an inform message carrying synchronization counts and
// the done flag, or a list of raw sample rows.
func (client *Client) processHistoryMessage(state *sensorHistoryState, msgData json.RawMessage) {
	var inform struct {
		InformType string `json:"inform_type"`
		InformData struct {
			NumSamples int  `json:"num_samples_to_be_published"`
			Done       bool `json:"done"`
		} `json:"inform_data"`
	}
	if err := json.Unmarshal(msgData, &inform); err == nil && inform.InformType == "sample_history" {
		state.recordInform(inform.InformData.NumSamples, inform.InformData.Done)
		return
	}

	var rows [][]interface{}
	if err := json.Unmarshal(msgData, &rows); err == nil {
		state.recordRows(rows)
		return
	}

	client.logger.Warn("ignoring unexpected message", "sensor", state.sensor, "payload", string(msgData))
}

// SensorHistory returns the time history of sample measurements for a
// sensor between startSec and endSec (UNIX epoch seconds). The samples are
// delivered asynchronously over the websocket; the call waits for the
// explicit done marker up to the given timeout (default 5 minutes) and
// fails with a SensorHistoryRequestError when it does not arrive in time.
// If the sensor never existed the result is empty, no error is raised.
func (client *Client) SensorHistory(sensorName string, startSec, endSec float64, timeout ...time.Duration) ([]SensorSample, error) {
	samples, err := client.sensorHistory(sensorName, startSec, endSec, false, historyTimeout(timeout))
	if err != nil {
		return nil, err
	}
	stripped := make([]SensorSample, len(samples))
	for i, sample := range samples {
		stripped[i] = SensorSample{
			Timestamp: sample.Timestamp,
			Value:     sample.Value,
			Status:    sample.Status,
		}
	}
	return stripped, nil
}

// SensorHistoryValueTs is SensorHistory with the value timestamp included
// in each returned sample.
func (client *Client) SensorHistoryValueTs(sensorName string, startSec, endSec float64, timeout ...time.Duration) ([]SensorSampleValueTs, error) {
	return client.sensorHistory(sensorName, startSec, endSec, true, historyTimeout(timeout))
}

func historyTimeout(timeout []time.Duration) time.Duration {
	if len(timeout) > 0 {
		return timeout[0]
	}
	return DefaultHistoryTimeout
}

func (client *Client) sensorHistory(sensorName string, startSec, endSec float64, includeValueTs bool, timeout time.Duration) ([]SensorSampleValueTs, error) {
	// New namespace and state per query, so multiple requests can run
	// simultaneously.
	namespace := uuid.NewString()
	state := newSensorHistoryState(sensorName, includeValueTs)

	client.historyLock.Lock()
	client.historyStates[namespace] = state
	client.historyLock.Unlock()
	defer func() {
		client.historyLock.Lock()
		delete(client.historyStates, namespace)
		client.historyLock.Unlock()
	}()

	// Connected and subscribed before sending the request, so no
	// publication can be missed.
	if err := client.Connect(); err != nil {
		return nil, err
	}
	if _, err := client.Subscribe(namespace, "*"); err != nil {
		return nil, err
	}
	defer func() {
		// Do not disconnect; there may be websocket activity initiated by
		// another call.
		_, _ = client.Unsubscribe(namespace, "*")
	}()

	query := url.Values{}
	query.Set("sensor", sensorName)
	query.Set("time_type", sampleHistoryTimeType)
	query.Set("start", formatSeconds(startSec*sampleHistoryMillisPerSec))
	query.Set("end", formatSeconds(endSec*sampleHistoryMillisPerSec))
	query.Set("namespace", namespace)
	query.Set("request_in_chunks", "1")
	query.Set("chunk_size", strconv.Itoa(SampleHistoryChunkSize))
	query.Set("limit", strconv.Itoa(client.historySampleLimit))

	endpoint := client.Sitemap().HistoricSensorValues + "/samples?" + query.Encode()
	client.logger.Debug("sensor history request", "url", endpoint)

	body, err := client.fetch(endpoint)
	if err != nil {
		return nil, NewError(SensorHistoryRequestError, err)
	}
	var ack struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &ack); err != nil || ack.Result != "success" {
		return nil, NewError(SensorHistoryRequestError, "error requesting sensor history: "+string(body))
	}

	downloadStart := time.Now()
	select {
	case <-state.done:
	case <-time.After(timeout):
		return nil, NewError(SensorHistoryRequestError, "sensor history request timed out")
	}

	samples := state.take()
	client.logger.Debug("sensor history download done",
		"sensor", sensorName, "elapsed", time.Since(downloadStart), "samples", len(samples))

	// Wire delivery order is not guaranteed.
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp < samples[j].Timestamp
	})

	if len(samples) >= client.historySampleLimit {
		client.logger.Warn("maximum sample limit hit, there may be more data available",
			"limit", client.historySampleLimit)
		samples = samples[:client.historySampleLimit]
	}

	return samples, nil
}

// SensorsHistories returns sample histories for every sensor matching the
// given regular expression filters, keyed by full sensor name. Sensors are
// fetched sequentially; each query gets the timeout budget left after the
// wall-clock time spent on the ones before it.
func (client *Client) SensorsHistories(filters []string, startSec, endSec float64, timeout ...time.Duration) (map[string][]SensorSample, error) {
	budget := historyTimeout(timeout)
	requestStart := time.Now()

	sensors, err := client.SensorNames(filters...)
	if err != nil {
		return nil, err
	}

	histories := make(map[string][]SensorSample, len(sensors))
	for _, sensor := range sensors {
		remaining := budget - time.Since(requestStart)
		samples, err := client.SensorHistory(sensor, startSec, endSec, remaining)
		if err != nil {
			return nil, err
		}
		histories[sensor] = samples
	}
	return histories, nil
}

// SensorsHistoriesValueTs is SensorsHistories with the value timestamp
// included in each returned sample.
func (client *Client) SensorsHistoriesValueTs(filters []string, startSec, endSec float64, timeout ...time.Duration) (map[string][]SensorSampleValueTs, error) {
	budget := historyTimeout(timeout)
	requestStart := time.Now()

	sensors, err := client.SensorNames(filters...)
	if err != nil {
		return nil, err
	}

	histories := make(map[string][]SensorSampleValueTs, len(sensors))
	for _, sensor := range sensors {
		remaining := budget - time.Since(requestStart)
		samples, err := client.SensorHistoryValueTs(sensor, startSec, endSec, remaining)
		if err != nil {
			return nil, err
		}
		histories[sensor] = samples
	}
	return histories, nil
}

func formatSeconds(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func numberValue(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case json.Number:
		parsed, _ := v.Float64()
		return parsed
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
