// Package ccom is a client for the CCOM room reservation API. Responses are
// decoded into typed results at this boundary; callers never see raw maps.
package ccom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	loginPath     = "/service-zuul/applet/login/login"
	basicInfoPath = "/service-zuul/applet/login/basicInfo"
	orderPath     = "/order/applet/order/"
)

// MsgSuccess is the sentinel message the upstream returns on success.
const MsgSuccess = "成功"

// Config carries per-client settings; credentials are per user.
type Config struct {
	Root      string // e.g. https://saas.tansiling.com
	UserAgent string
	Lessee    string // tenant id sent on login
	RPS       float64
	Timeout   time.Duration
}

// Credentials identify one upstream account. Token may be empty or stale;
// SoftLogin sorts that out.
type Credentials struct {
	Account  string
	Password string
	Token    string
}

// Client issues authenticated calls for a single user session. It is owned by
// one worker per run and must not be shared across goroutines.
type Client struct {
	hc      *http.Client
	limiter *rate.Limiter
	cfg     Config
	creds   Credentials
	token   string
}

func New(cfg Config, creds Credentials) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		hc:      &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		cfg:     cfg,
		creds:   creds,
		token:   creds.Token,
	}
}

// Token returns the current session token. Callers persist it back to the user
// record when it changed, so the next run can soft-login.
func (c *Client) Token() string { return c.token }

type loginResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
	Data   struct {
		Token string `json:"token"`
	} `json:"data"`
}

type basicInfoResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
	Data   struct {
		StudentNumber string `json:"studentNumber"`
	} `json:"data"`
}

// PlaceOrderResult is the normalized outcome of one place-order call.
type PlaceOrderResult struct {
	Status  int    `json:"status"`
	Message string `json:"msg"`
}

// OK reports whether the upstream accepted the order.
func (r PlaceOrderResult) OK() bool { return r.Status == http.StatusOK && r.Message == MsgSuccess }

// CancelResult is the normalized outcome of a cancel call.
type CancelResult struct {
	Status  int    `json:"status"`
	Message string `json:"msg"`
}

func (r CancelResult) OK() bool { return r.Status == http.StatusOK && r.Message == MsgSuccess }

// Order is one existing upstream reservation.
type Order struct {
	ID        int64       `json:"id"`
	Device    json.Number `json:"device"`
	StartTime int64       `json:"startTime"`
	EndTime   int64       `json:"endTime"`
}

// DeviceID returns the room device identifier as a string regardless of how
// the upstream chose to encode it that day.
func (o Order) DeviceID() string { return o.Device.String() }

type orderListResponse struct {
	Status int     `json:"status"`
	Msg    string  `json:"msg"`
	Data   []Order `json:"data"`
}

// TimeRange is a start/end pair in epoch milliseconds.
type TimeRange struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
}

// Availability describes a room's open days and free windows.
type Availability struct {
	OpenDays      []string    `json:"openDays"`
	StartTime     string      `json:"startTime"`
	EndTime       string      `json:"endTime"`
	RemainingTime []TimeRange `json:"remainingTimeList"`
}

type availabilityResponse struct {
	Status int          `json:"status"`
	Msg    string       `json:"msg"`
	Data   Availability `json:"data"`
}

// Login performs a full credential login and stores the fresh token.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]any{
		"accountNumber": c.creds.Account,
		"lessee":        c.cfg.Lessee,
		"password":      c.creds.Password,
		"code":          nil,
	}
	var res loginResponse
	if err := c.post(ctx, c.cfg.Root+loginPath, "", body, &res); err != nil {
		return err
	}
	if res.Status != http.StatusOK || res.Msg != MsgSuccess {
		return &AuthError{Account: c.creds.Account, Message: res.Msg}
	}
	c.token = res.Data.Token
	return nil
}

// SoftLogin reuses the cached token when a cheap identity check confirms it
// still belongs to this account, and falls back to Login otherwise. It returns
// true when the cached token was reused.
func (c *Client) SoftLogin(ctx context.Context) (reused bool, err error) {
	if c.token != "" {
		info, err := c.basicInfo(ctx)
		if err == nil && strings.EqualFold(info.Data.StudentNumber, c.creds.Account) {
			return true, nil
		}
	}
	if c.creds.Password == "" {
		return false, &AuthError{Account: c.creds.Account, Message: "no password and stale token"}
	}
	return false, c.Login(ctx)
}

func (c *Client) basicInfo(ctx context.Context) (basicInfoResponse, error) {
	var res basicInfoResponse
	if err := c.get(ctx, c.cfg.Root+basicInfoPath, c.token, &res); err != nil {
		return basicInfoResponse{}, err
	}
	if res.Status != http.StatusOK {
		return basicInfoResponse{}, &AuthError{Account: c.creds.Account, Message: res.Msg}
	}
	return res, nil
}

// PlaceOrder books one segment on a room device. startMs/endMs are epoch
// milliseconds. The result carries the raw upstream message for the attempt
// engine to classify; only transport problems surface as errors.
func (c *Client) PlaceOrder(ctx context.Context, deviceID string, startMs, endMs int64) (PlaceOrderResult, error) {
	if c.token == "" {
		return PlaceOrderResult{}, ErrNotAuthenticated
	}
	body := map[string]any{
		"device": deviceID,
		"subscribeList": []map[string]any{
			{"startTime": startMs, "endTime": endMs, "aiMonitoringNum": nil},
		},
	}
	var res PlaceOrderResult
	if err := c.post(ctx, c.cfg.Root+orderPath+"placeAnOrder", c.token, body, &res); err != nil {
		return PlaceOrderResult{}, err
	}
	return res, nil
}

// CancelOrder cancels an existing reservation by upstream order id.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) (CancelResult, error) {
	if c.token == "" {
		return CancelResult{}, ErrNotAuthenticated
	}
	body := map[string]any{"id": orderID, "type": "6"}
	var res CancelResult
	if err := c.post(ctx, c.cfg.Root+orderPath+"cancel", c.token, body, &res); err != nil {
		return CancelResult{}, err
	}
	return res, nil
}

// ListOrders returns the user's current reservations.
func (c *Client) ListOrders(ctx context.Context) ([]Order, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}
	var res orderListResponse
	if err := c.get(ctx, c.cfg.Root+orderPath+"getOrderList?type=0", c.token, &res); err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, &GatewayError{Op: "getOrderList", Err: fmt.Errorf("upstream status %d: %s", res.Status, res.Msg)}
	}
	return res.Data, nil
}

// QueryAvailability reads the reservation information for one room device.
func (c *Client) QueryAvailability(ctx context.Context, deviceID string) (Availability, error) {
	if c.token == "" {
		return Availability{}, ErrNotAuthenticated
	}
	var res availabilityResponse
	url := c.cfg.Root + orderPath + "getReserveInformation?device=" + deviceID
	if err := c.get(ctx, url, c.token, &res); err != nil {
		return Availability{}, err
	}
	if res.Status != http.StatusOK {
		return Availability{}, &GatewayError{Op: "getReserveInformation", Err: fmt.Errorf("upstream status %d: %s", res.Status, res.Msg)}
	}
	return res.Data, nil
}

func (c *Client) post(ctx context.Context, url, token string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return &GatewayError{Op: "encode", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return &GatewayError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("Content-Length", strconv.Itoa(len(b)))
	return c.do(req, token, out)
}

func (c *Client) get(ctx context.Context, url, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &GatewayError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	return c.do(req, token, out)
}

func (c *Client) do(req *http.Request, token string, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return &GatewayError{Op: req.URL.Path, Err: err}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return &GatewayError{Op: req.URL.Path, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return &GatewayError{Op: req.URL.Path, Err: fmt.Errorf("http status %d", res.StatusCode)}
	}
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return &GatewayError{Op: req.URL.Path, Err: err}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &GatewayError{Op: req.URL.Path, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
