package katportal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ScheduleBlocksAssigned returns the ids of the observation schedule blocks
// assigned to this client's subarray, ordered by priority. The websocket is
// not used for this request.
func (client *Client) ScheduleBlocksAssigned() ([]string, error) {
	subNr, err := strconv.Atoi(client.Sitemap().SubNr)
	if err != nil {
		return nil, NewError(SubarrayNumberUnknownError, "unknown subarray number when listing schedule blocks")
	}

	body, err := client.fetch(client.Sitemap().ScheduleBlocks + "/scheduled")
	if err != nil {
		return nil, err
	}
	return extractScheduleBlocks(body, subNr)
}

func extractScheduleBlocks(body []byte, subarrayNumber int) ([]string, error) {
	var response struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewError(ProtocolError, err)
	}

	results := []string{}
	if response.Result == "" {
		return results, nil
	}

	var blocks []struct {
		SubNr  int    `json:"sub_nr"`
		Type   string `json:"type"`
		IDCode string `json:"id_code"`
	}
	if err := json.Unmarshal([]byte(response.Result), &blocks); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	for _, block := range blocks {
		if block.SubNr == subarrayNumber && block.Type == "OBSERVATION" {
			results = append(results, block.IDCode)
		}
	}
	return results, nil
}

// ScheduleBlockDetail returns detailed information about an observation
// schedule block, e.g. description, scheduled_time, state and sub_nr. The
// websocket is not used for this request.
func (client *Client) ScheduleBlockDetail(idCode string) (map[string]interface{}, error) {
	body, err := client.fetch(client.Sitemap().ScheduleBlocks + "/" + idCode)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	if len(response.Result) == 0 {
		return nil, NewError(ScheduleBlockNotFoundError, "invalid schedule block ID: "+idCode)
	}
	return response.Result, nil
}

// FutureTargets returns the future targets determined by the verification
// dry run of the schedule block. Only VERIFIED schedule blocks of the
// OBSERVATION type carry targets; others yield an empty list.
func (client *Client) FutureTargets(idCode string) ([]map[string]interface{}, error) {
	detail, err := client.ScheduleBlockDetail(idCode)
	if err != nil {
		return nil, err
	}

	targetsAttr, exists := detail["targets"]
	if !exists || targetsAttr == nil {
		return []map[string]interface{}{}, nil
	}

	encoded, ok := targetsAttr.(string)
	if !ok {
		return nil, NewError(ScheduleBlockTargetsParsingError, fmt.Sprintf(
			"there was an error parsing the schedule block (%s) targets attribute: %v", idCode, targetsAttr))
	}
	var targets []map[string]interface{}
	if err := json.Unmarshal([]byte(encoded), &targets); err != nil {
		return nil, NewError(ScheduleBlockTargetsParsingError, fmt.Sprintf(
			"there was an error parsing the schedule block (%s) targets attribute: %s", idCode, encoded))
	}
	return targets, nil
}

// extractSensorDetails parses a sensor query response. Errors are returned
// by the portal in an object, valid data in a list of
// [name, component, attributes] triples.
func extractSensorDetails(body []byte) ([]map[string]interface{}, error) {
	var failure map[string]json.RawMessage
	if err := json.Unmarshal(body, &failure); err == nil {
		if message, exists := failure["error"]; exists {
			return nil, NewError(SensorNotFoundError, "invalid sensor request: "+string(message))
		}
		return nil, nil
	}

	var sensors [][]json.RawMessage
	if err := json.Unmarshal(body, &sensors); err != nil {
		return nil, NewError(ProtocolError, err)
	}

	results := make([]map[string]interface{}, 0, len(sensors))
	for _, fields := range sensors {
		if len(fields) < 3 {
			continue
		}
		info := map[string]interface{}{}
		var attributes map[string]interface{}
		if err := json.Unmarshal(fields[2], &attributes); err == nil {
			for key, value := range attributes {
				info[key] = value
			}
		}
		var name, component string
		_ = json.Unmarshal(fields[0], &name)
		_ = json.Unmarshal(fields[1], &component)
		info["name"] = name
		info["component"] = component
		results = append(results, info)
	}
	return results, nil
}

// SensorNames returns the unique names of the sensors matching the given
// regular expression filters. The websocket is not used for this request.
func (client *Client) SensorNames(filters ...string) ([]string, error) {
	endpoint := client.Sitemap().HistoricSensorValues + "/sensors"

	seen := make(map[string]struct{})
	names := []string{}
	for _, filter := range filters {
		body, err := client.fetch(endpoint + "?sensors=" + url.QueryEscape(filter))
		if err != nil {
			return nil, err
		}
		sensors, err := extractSensorDetails(body)
		if err != nil {
			return nil, err
		}
		for _, sensor := range sensors {
			name, _ := sensor["name"].(string)
			if name == "" {
				continue
			}
			if _, exists := seen[name]; exists {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names, nil
}

// SensorDetail returns detailed attribute information for a single sensor:
// name, description, params, units, type, resource and katcp_name. The
// sensor name must match exactly one sensor; a pattern matching several
// sensors is an error.
func (client *Client) SensorDetail(sensorName string) (map[string]interface{}, error) {
	endpoint := client.Sitemap().HistoricSensorValues + "/sensors?sensors=" + url.QueryEscape(sensorName)
	body, err := client.fetch(endpoint)
	if err != nil {
		return nil, err
	}
	results, err := extractSensorDetails(body)
	if err != nil {
		return nil, err
	}

	switch {
	case len(results) == 0:
		return nil, NewError(SensorNotFoundError, "sensor name not found: "+sensorName)

	case len(results) > 1:
		// Check for an exact match before giving up.
		for _, result := range results {
			if result["name"] == sensorName {
				return result, nil
			}
		}
		matches := make([]string, 0, 5)
		for _, result := range results[:min(len(results), 5)] {
			matches = append(matches, fmt.Sprintf("%v", result["name"]))
		}
		return nil, NewError(SensorNotFoundError, fmt.Sprintf(
			"multiple sensors (%d) found - specify a single sensor name, not a pattern like %q (some matches: %v)",
			len(results), sensorName, matches))

	default:
		return results[0], nil
	}
}

// SensorSubarrayLookup returns the full sensor name for a generic component
// and sensor on the given subarray. The component must be assigned to that
// subarray. Pass subNr 0 to use the sitemap's subarray number;
// returnKatcpName selects the KATCP name over the fully qualified name.
func (client *Client) SensorSubarrayLookup(component, sensor string, returnKatcpName bool, subNr ...int) (string, error) {
	number := 0
	if len(subNr) > 0 {
		number = subNr[0]
	}
	if number == 0 {
		number, _ = strconv.Atoi(client.Sitemap().SubNr)
	}
	if number == 0 {
		return "", NewError(SubarrayNumberUnknownError, "unknown subarray number when calling SensorSubarrayLookup")
	}

	// katportal expects 1 or 0 instead of a boolean value.
	katcpFlag := "0"
	if returnKatcpName {
		katcpFlag = "1"
	}
	endpoint := fmt.Sprintf("%s/%d/%s/%s/%s", client.Sitemap().SensorLookup, number, component, sensor, katcpFlag)
	body, err := client.fetch(endpoint)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// UserlogTags returns all userlog tags in the database.
func (client *Client) UserlogTags() ([]map[string]interface{}, error) {
	body, err := client.fetch(client.Sitemap().Userlogs + "/tags")
	if err != nil {
		return nil, err
	}
	var tags []map[string]interface{}
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return tags, nil
}

// Userlogs returns the userlogs whose time windows intersect the window
// between startTime and endTime, formatted "2006-01-02 15:04:05" in UTC. A
// userlog without an end time is treated as open-ended by the portal. Empty
// strings default to the whole of today. Requires a Login session.
func (client *Client) Userlogs(startTime, endTime string) ([]map[string]interface{}, error) {
	if startTime == "" {
		startTime = time.Now().Format("2006-01-02") + " 00:00:00"
	}
	if endTime == "" {
		endTime = time.Now().Format("2006-01-02") + " 23:59:59"
	}

	query := url.Values{}
	query.Set("start_time", startTime)
	query.Set("end_time", endTime)

	endpoint := client.Sitemap().Userlogs + "/query?" + query.Encode()
	body, err := client.authorizedFetch(http.MethodGet, endpoint, client.session(), nil)
	if err != nil {
		return nil, err
	}
	var userlogs []map[string]interface{}
	if err := json.Unmarshal(body, &userlogs); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return userlogs, nil
}

// CreateUserlog creates a userlog with the given content, linked tag ids
// and optional start and end times ("2006-01-02 15:04:05", UTC). Requires a
// Login session. Returns the created userlog.
func (client *Client) CreateUserlog(content string, tagIDs []int, startTime, endTime string) (map[string]interface{}, error) {
	client.sessionLock.Lock()
	userlog := map[string]interface{}{
		"user":    client.userID,
		"content": content,
	}
	client.sessionLock.Unlock()

	if startTime != "" {
		userlog["start_time"] = startTime
	}
	if endTime != "" {
		userlog["end_time"] = endTime
	}
	if tagIDs != nil {
		userlog["tag_ids"] = tagIDs
	}

	payload, err := json.Marshal(userlog)
	if err != nil {
		return nil, NewError(ProtocolError, err)
	}
	body, err := client.authorizedFetch(http.MethodPost, client.Sitemap().Userlogs, client.session(), payload)
	if err != nil {
		return nil, err
	}

	var created map[string]interface{}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return created, nil
}

// ModifyUserlog modifies an existing userlog using the given map as the new
// attribute values. When tagIDs is nil the tags attribute of the userlog is
// reused. Requires a Login session. Returns the modified userlog.
func (client *Client) ModifyUserlog(userlog map[string]interface{}, tagIDs []int) (map[string]interface{}, error) {
	if tagIDs == nil {
		if tags, exists := userlog["tags"]; exists {
			encoded, _ := tags.(string)
			var ids []interface{}
			if err := json.Unmarshal([]byte(encoded), &ids); err != nil {
				client.logger.Error("could not parse the tags field of the userlog", "error", err)
				return nil, NewError(ProtocolError, err)
			}
			userlog["tag_ids"] = ids
		}
	} else {
		userlog["tag_ids"] = tagIDs
	}

	payload, err := json.Marshal(userlog)
	if err != nil {
		return nil, NewError(ProtocolError, err)
	}
	endpoint := fmt.Sprintf("%s/%v", client.Sitemap().Userlogs, userlog["id"])
	body, err := client.authorizedFetch(http.MethodPost, endpoint, client.session(), payload)
	if err != nil {
		return nil, err
	}

	var modified map[string]interface{}
	if err := json.Unmarshal(body, &modified); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	return modified, nil
}
