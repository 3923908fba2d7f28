package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// Request headers of the external API. Every request carries the API key and
// application id; device mutation additionally names the acting user.
const (
	HeaderAPIKey        = "x-api-key"
	HeaderApplicationID = "Grus-ApplicationId"
	HeaderUserID        = "Grus-UserId"
)

// Device is a device record as the external API returns it.
type Device struct {
	DeviceID      string `json:"deviceId"`
	UserID        string `json:"userId"`
	ApplicationID string `json:"applicationId"`
	DeviceType    string `json:"deviceType,omitempty"`
}

// Client provides access to the external device/user API.
type Client struct {
	url           string
	httpClient    *http.Client
	apiKey        string
	applicationID string
}

// NewWithURL creates a client to make REST requests to the external API.
//
// WithAPIKey and WithApplicationID add the mandatory request headers.
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithAPIKey returns a new client carrying the API key header.
func (c Client) WithAPIKey(apiKey string) Client {
	c.apiKey = apiKey
	return c
}

// WithApplicationID returns a new client carrying the application id header.
func (c Client) WithApplicationID(applicationID string) Client {
	c.applicationID = applicationID
	return c
}

// GetDevice looks a single device up by its id.
func (c Client) GetDevice(deviceID string) (Device, error) {
	query := url.Values{"deviceId": []string{deviceID}}
	body, err := c.doRequest(http.MethodGet, "/devices", query, "", nil)
	if err != nil {
		return Device{}, err
	}
	var response struct {
		Devices []Device `json:"devices"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return Device{}, err
	}
	if len(response.Devices) == 0 {
		return Device{}, fmt.Errorf("no such device: %s", deviceID)
	}
	return response.Devices[0], nil
}

// ListDevices returns all devices of the application.
func (c Client) ListDevices() ([]Device, error) {
	body, err := c.doRequest(http.MethodGet, "/devices", nil, "", nil)
	if err != nil {
		return nil, err
	}
	var response struct {
		Devices []Device `json:"devices"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	return response.Devices, nil
}

// CreateUser creates a new user. The raw response body is returned so it can
// be passed through to the UI untouched.
func (c Client) CreateUser() ([]byte, error) {
	return c.doRequest(http.MethodPost, "/users", nil, "", nil)
}

// CreateDevice registers a new device for the given user. It returns the raw
// response body and the created device record.
func (c Client) CreateDevice(userID, deviceID, deviceType string) ([]byte, Device, error) {
	request := map[string]string{
		"deviceId":   deviceID,
		"deviceType": deviceType,
	}
	body, err := c.doRequest(http.MethodPost, "/devices", nil, userID, request)
	if err != nil {
		return nil, Device{}, err
	}
	var response struct {
		Device Device `json:"device"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, Device{}, err
	}
	return body, response.Device, nil
}

// DeleteDevice removes a device. It returns the raw response body and the
// removed device record.
func (c Client) DeleteDevice(userID, deviceID string) ([]byte, Device, error) {
	query := url.Values{"deviceId": []string{deviceID}}
	body, err := c.doRequest(http.MethodDelete, "/devices", query, userID, nil)
	if err != nil {
		return nil, Device{}, err
	}
	var response struct {
		Device Device `json:"device"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, Device{}, err
	}
	return body, response.Device, nil
}

// doRequest is the funnel every request goes through. It adds the headers,
// sends the request once and returns the body of a 2xx response. There is no
// retry; the caller logs and abandons the operation on error.
func (c Client) doRequest(method, path string, query url.Values, userID string, body interface{}) ([]byte, error) {
	target := c.url + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	request, err := http.NewRequest(method, target, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set(HeaderAPIKey, c.apiKey)
	request.Header.Set(HeaderApplicationID, c.applicationID)
	if userID != "" {
		request.Header.Set(HeaderUserID, userID)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d", method, path, response.StatusCode)
	}
	return data, nil
}
