package katportal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// fetch performs a one-shot GET and returns the response body.
func (client *Client) fetch(endpoint string) ([]byte, error) {
	resp, err := client.httpClient.Get(endpoint)
	if err != nil {
		return nil, NewError(ConnectionError, err)
	}
	return readResponse(endpoint, resp)
}

// authorizedFetch performs a one-shot exchange with the Authorization
// header carrying the given token.
func (client *Client) authorizedFetch(method, endpoint, authToken string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(RequestFailedError, err)
	}
	req.Header.Set("Authorization", "CustomJWT "+authToken)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.httpClient.Do(req)
	if err != nil {
		return nil, NewError(ConnectionError, err)
	}
	return readResponse(endpoint, resp)
}

func readResponse(endpoint string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(ConnectionError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, NewError(RequestFailedError, fmt.Sprintf("%s returned %s", endpoint, resp.Status))
	}
	return body, nil
}

// Login verifies the given user against katportal and caches the session id
// katportal created for this client. The username is a registered email
// address; role defaults to "read_only".
func (client *Client) Login(username, password string, role ...string) error {
	selectedRole := "read_only"
	if len(role) > 0 {
		selectedRole = role[0]
	}

	loginToken, err := CreateLoginToken(username, password)
	if err != nil {
		return NewError(RequestFailedError, err)
	}

	verifyURL := client.Sitemap().Authorization + "/user/verify/" + selectedRole
	body, err := client.authorizedFetch(http.MethodGet, verifyURL, loginToken, nil)
	if err != nil {
		client.clearSession()
		return err
	}

	var verified struct {
		LoggedIn  bool        `json:"logged_in"`
		SessionID string      `json:"session_id"`
		UserID    interface{} `json:"user_id"`
		Email     string      `json:"email"`
	}
	if err := json.Unmarshal(body, &verified); err != nil || verified.SessionID == "" {
		client.clearSession()
		client.logger.Error("error logging in", "response", string(body))
		return NewError(RequestFailedError, "login failed")
	}

	client.sessionLock.Lock()
	client.sessionID = verified.SessionID
	client.userID = verified.UserID
	client.sessionLock.Unlock()

	loginURL := client.Sitemap().Authorization + "/user/login"
	if _, err := client.authorizedFetch(http.MethodPost, loginURL, verified.SessionID, nil); err != nil {
		client.clearSession()
		return err
	}

	client.logger.Info("successfully logged in", "email", verified.Email)
	return nil
}

// Logout logs the user out of katportal, which then deletes the cached
// session id for this client. The local session is cleared no matter what
// katportal says.
func (client *Client) Logout() error {
	client.sessionLock.Lock()
	session := client.sessionID
	client.sessionLock.Unlock()
	defer client.clearSession()

	if session == "" {
		return nil
	}

	logoutURL := client.Sitemap().Authorization + "/user/logout"
	body, err := client.authorizedFetch(http.MethodPost, logoutURL, session, []byte("{}"))
	if err != nil {
		return err
	}
	client.logger.Info("logout result", "response", string(body))
	return nil
}

func (client *Client) session() string {
	client.sessionLock.Lock()
	defer client.sessionLock.Unlock()
	return client.sessionID
}

func (client *Client) clearSession() {
	client.sessionLock.Lock()
	client.sessionID = ""
	client.userID = nil
	client.sessionLock.Unlock()
}
