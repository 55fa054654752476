package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/square-key-labs/callbridge-ai/src/logger"
)

// Client is a minimal REST client for the telephony platform's call API.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

// Config configures the client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string // override for tests; default https://api.twilio.com
	HTTPClient *http.Client
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio: account SID is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: auth token is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		log:        logger.WithPrefix("Twilio"),
	}, nil
}

// Call is the platform's call resource.
type Call struct {
	SID         string `json:"sid"`
	AccountSID  string `json:"account_sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	AnsweredBy  string `json:"answered_by"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	DateCreated string `json:"date_created"`
}

// MakeCallParams are the parameters for placing an outbound call.
type MakeCallParams struct {
	To                  string
	From                string
	URL                 string   // answer webhook returning TwiML
	StatusCallback      string   // webhook for status updates
	StatusCallbackEvent []string // which events to receive
	MachineDetection    string   // "Enable" or "DetectMessageEnd"
	Timeout             int      // ring timeout in seconds
}

// MakeCall places an outbound call.
func (c *Client) MakeCall(ctx context.Context, params MakeCallParams) (*Call, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
	}
	for _, event := range params.StatusCallbackEvent {
		data.Add("StatusCallbackEvent", event)
	}
	if params.MachineDetection != "" {
		data.Set("MachineDetection", params.MachineDetection)
	}
	if params.Timeout > 0 {
		data.Set("Timeout", fmt.Sprintf("%d", params.Timeout))
	}

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return nil, err
	}
	c.log.Info("Placed call %s -> %s (sid=%s status=%s)", params.From, params.To, call.SID, call.Status)
	return &call, nil
}

// UpdateCallParams are the parameters for modifying an in-progress call.
type UpdateCallParams struct {
	URL    string // redirect the call to new TwiML
	Status string // "completed" hangs up, "canceled" cancels a queued call
}

// UpdateCall modifies an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, params UpdateCallParams) (*Call, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)

	data := url.Values{}
	if params.URL != "" {
		data.Set("Url", params.URL)
	}
	if params.Status != "" {
		data.Set("Status", params.Status)
	}

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends a call.
func (c *Client) HangupCall(ctx context.Context, callSID string) error {
	if _, err := c.UpdateCall(ctx, callSID, UpdateCallParams{Status: "completed"}); err != nil {
		return fmt.Errorf("hangup %s: %w", callSID, err)
	}
	c.log.Info("Hung up call %s", callSID)
	return nil
}

// Error is the platform's API error body.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr Error
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("twilio error: status %d: %s", resp.StatusCode, string(body))
		}
		return &apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
