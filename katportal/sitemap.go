package katportal

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sitemap lists the endpoints published by the portal webserver. The
// endpoints may change over time but the keys to access them will not.
type Sitemap struct {
	// Authorization is the URL for login/logout and session verification.
	Authorization string
	// Websocket is the URL for Pub/Sub access.
	Websocket string
	// HistoricSensorValues is the URL for requesting sensor value history.
	HistoricSensorValues string
	// ScheduleBlocks is the URL for requesting observation schedule block
	// information.
	ScheduleBlocks string
	// SubNr is the subarray number to access, e.g. "1", "2", "3" or "4".
	SubNr string
	// SubarraySensorValues is the URL for requesting once-off current
	// sensor values.
	SubarraySensorValues string
	// TargetDescriptions is the URL for requesting target pointing
	// descriptions for a schedule block.
	TargetDescriptions string
	// Userlogs is the URL for userlog queries and creation.
	Userlogs string
	// SensorLookup is the URL for subarray sensor name lookups.
	SensorLookup string
}

// Sitemap returns the endpoints discovered from the URL given at
// construction. The webserver is queried once, the first time the method is
// called. Typically users will not need the sitemap directly; the client's
// methods make use of it.
func (client *Client) Sitemap() Sitemap {
	client.sitemapOnce.Do(func() {
		client.sitemap = client.fetchSitemap(client.url)
		client.logger.Debug("sitemap", "endpoints", fmt.Sprintf("%+v", client.sitemap))
	})
	return client.sitemap
}

// fetchSitemap fetches the directory document. A non-HTTP URL is assumed to
// be a websocket URL (kept for backwards compatibility); the other
// endpoints stay blank in that case. Fetch and parse failures are logged
// and likewise leave the endpoints blank rather than failing construction.
func (client *Client) fetchSitemap(target string) Sitemap {
	var sitemap Sitemap

	lowered := strings.ToLower(target)
	if !strings.HasPrefix(lowered, "http://") && !strings.HasPrefix(lowered, "https://") {
		sitemap.Websocket = target
		return sitemap
	}

	body, err := client.fetch(target)
	if err != nil {
		client.logger.Error("failed to get sitemap", "url", target, "error", err)
		return sitemap
	}

	var doc struct {
		Client map[string]interface{} `json:"client"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.Client == nil {
		client.logger.Error("failed to parse sitemap", "url", target)
		return sitemap
	}

	sitemap.Authorization = stringValue(doc.Client["authorization"])
	sitemap.Websocket = stringValue(doc.Client["websocket"])
	sitemap.HistoricSensorValues = stringValue(doc.Client["historic_sensor_values"])
	sitemap.ScheduleBlocks = stringValue(doc.Client["schedule_blocks"])
	sitemap.SubNr = stringValue(doc.Client["sub_nr"])
	sitemap.SubarraySensorValues = stringValue(doc.Client["subarray_sensor_values"])
	sitemap.TargetDescriptions = stringValue(doc.Client["target_descriptions"])
	sitemap.Userlogs = stringValue(doc.Client["userlogs"])
	sitemap.SensorLookup = stringValue(doc.Client["sensor_lookup"])
	return sitemap
}

// stringValue renders a decoded JSON value as a string; numbers keep their
// shortest representation, so a numeric sub_nr round-trips cleanly.
func stringValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
