package whmcs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ticketbridge/internal/errors"
	"ticketbridge/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const service = "whmcs"

// Options configures a Client
type Options struct {
	APIURL            string
	Identifier        string
	Secret            string
	AccessKey         string
	RequestsPerSecond float64
	PageSize          int
	HTTPClient        *http.Client
	Logger            *logrus.Logger
	BreakerFailures   int
	BreakerTimeout    time.Duration
}

// Client talks to the WHMCS external API. All calls are form POSTs to
// includes/api.php with JSON responses.
type Client struct {
	apiURL     string
	identifier string
	secret     string
	accessKey  string
	pageSize   int
	client     *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
}

func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		apiURL:     strings.TrimSuffix(opts.APIURL, "/"),
		identifier: opts.Identifier,
		secret:     opts.Secret,
		accessKey:  opts.AccessKey,
		pageSize:   opts.PageSize,
		client:     opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		breaker: circuitbreaker.New(service, opts.BreakerFailures, opts.BreakerTimeout,
			circuitbreaker.WithLogger(opts.Logger),
			circuitbreaker.WithFailurePredicate(errors.IsRetryable)),
		logger: opts.Logger,
	}
}

// BreakerStats exposes the circuit breaker counters for /metrics.
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// call performs one API action and decodes the JSON body into out.
func (c *Client) call(ctx context.Context, action string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.NewTransientError("whmcs "+action, err)
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("action", action)
	params.Set("username", c.identifier)
	params.Set("password", c.secret)
	params.Set("responsetype", "json")
	if c.accessKey != "" {
		params.Set("accesskey", c.accessKey)
	}

	var body []byte
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(params.Encode()))
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to create request")
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return errors.NewAPIError(service, action, 0, err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return errors.NewAPIError(service, action, 0, fmt.Errorf("failed to read response: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.NewAPIError(service, action, resp.StatusCode,
				fmt.Errorf("whmcs API error: status %d, body: %s", resp.StatusCode, truncate(string(body), 256)))
		}
		return nil
	})
	if err != nil {
		if circuitbreaker.IsCircuitBreakerError(err) {
			return errors.NewTransientError("whmcs "+action, err)
		}
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errors.NewMalformedError("whmcs response", fmt.Sprintf("%s: %v", action, err))
	}
	if env.Result == "error" {
		return classifyResultError(action, env.Message)
	}

	c.logger.WithFields(logrus.Fields{
		"action": action,
		"bytes":  len(body),
	}).Debug("WHMCS API call completed")

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.NewMalformedError("whmcs response", fmt.Sprintf("%s: %v", action, err))
	}
	return nil
}

func classifyResultError(action, message string) error {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "not found"):
		return errors.NewNotFoundError(strings.TrimSuffix(message, " Not Found"), action)
	case strings.Contains(lower, "authentication failed"), strings.Contains(lower, "invalid ip"):
		return errors.Wrap(fmt.Errorf("%s", message), errors.ErrCodeAuthentication, "whmcs rejected credentials").
			WithContext("action", action)
	default:
		return errors.New(errors.ErrCodeTicketAPI, fmt.Sprintf("whmcs %s: %s", action, message)).
			WithContext("action", action)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetTicket fetches a ticket, including its replies, by the public tid.
func (c *Client) GetTicket(ctx context.Context, tid string) (*Ticket, error) {
	params := url.Values{}
	params.Set("ticketnum", tid)

	var ticket Ticket
	if err := c.call(ctx, "GetTicket", params, &ticket); err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("ticket", tid)
		}
		return nil, err
	}
	if ticket.TID == "" {
		ticket.TID = FlexString(tid)
	}
	return &ticket, nil
}

// TicketFilter narrows GetTickets. Zero values mean no filter.
type TicketFilter struct {
	Status string
	DeptID int64
}

type ticketsResponse struct {
	TotalResults FlexInt         `json:"totalresults"`
	NumReturned  FlexInt         `json:"numreturned"`
	Tickets      json.RawMessage `json:"tickets"`
}

// GetTickets lists tickets matching the filter, following pagination.
func (c *Client) GetTickets(ctx context.Context, filter TicketFilter) ([]TicketSummary, error) {
	var all []TicketSummary
	for start := 0; ; {
		params := url.Values{}
		params.Set("limitstart", strconv.Itoa(start))
		params.Set("limitnum", strconv.Itoa(c.pageSize))
		if filter.Status != "" {
			params.Set("status", filter.Status)
		}
		if filter.DeptID > 0 {
			params.Set("deptid", strconv.FormatInt(filter.DeptID, 10))
		}

		var resp ticketsResponse
		if err := c.call(ctx, "GetTickets", params, &resp); err != nil {
			return nil, err
		}
		page, err := unwrapList[TicketSummary](resp.Tickets, "ticket")
		if err != nil {
			return nil, errors.NewMalformedError("ticket list", err.Error())
		}
		all = append(all, page...)
		start += len(page)

		if len(page) == 0 || int64(start) >= resp.TotalResults.Int64() {
			return all, nil
		}
	}
}

// GetSupportDepartments lists the support departments.
func (c *Client) GetSupportDepartments(ctx context.Context) ([]Department, error) {
	var resp struct {
		Departments json.RawMessage `json:"departments"`
	}
	if err := c.call(ctx, "GetSupportDepartments", nil, &resp); err != nil {
		return nil, err
	}
	departments, err := unwrapList[Department](resp.Departments, "department")
	if err != nil {
		return nil, errors.NewMalformedError("department list", err.Error())
	}
	return departments, nil
}

// GetSupportStatuses returns the configured ticket status catalog.
func (c *Client) GetSupportStatuses(ctx context.Context) ([]Status, error) {
	var resp struct {
		Statuses json.RawMessage `json:"statuses"`
	}
	if err := c.call(ctx, "GetSupportStatuses", nil, &resp); err != nil {
		return nil, err
	}
	statuses, err := unwrapList[Status](resp.Statuses, "status")
	if err != nil {
		return nil, errors.NewMalformedError("status list", err.Error())
	}
	return statuses, nil
}

// AddTicketReply posts a staff reply and returns the new reply id.
func (c *Client) AddTicketReply(ctx context.Context, req ReplyRequest) (string, error) {
	if req.InternalID <= 0 {
		return "", errors.NewValidationError("ticketid", strconv.FormatInt(req.InternalID, 10), "internal ticket id is required")
	}

	params := url.Values{}
	params.Set("ticketid", strconv.FormatInt(req.InternalID, 10))
	params.Set("message", req.Message)
	if req.AdminUsername != "" {
		params.Set("adminusername", req.AdminUsername)
	}
	if len(req.Attachments) > 0 {
		encoded, err := json.Marshal(req.Attachments)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode attachments")
		}
		params.Set("attachments", base64.StdEncoding.EncodeToString(encoded))
	}

	var resp struct {
		ReplyID FlexString `json:"replyid"`
	}
	if err := c.call(ctx, "AddTicketReply", params, &resp); err != nil {
		return "", err
	}
	return resp.ReplyID.String(), nil
}

// UpdateTicket changes status, priority or the assigned admin flag.
func (c *Client) UpdateTicket(ctx context.Context, internalID int64, update TicketUpdate) error {
	params := url.Values{}
	params.Set("ticketid", strconv.FormatInt(internalID, 10))
	if update.Status != "" {
		params.Set("status", update.Status)
	}
	if update.Priority != "" {
		params.Set("priority", update.Priority)
	}
	if update.Flag > 0 {
		params.Set("flag", strconv.FormatInt(update.Flag, 10))
	}
	return c.call(ctx, "UpdateTicket", params, nil)
}

// GetAdminUsers lists staff accounts.
func (c *Client) GetAdminUsers(ctx context.Context) ([]AdminUser, error) {
	var resp struct {
		AdminUsers []AdminUser `json:"admin_users"`
	}
	if err := c.call(ctx, "GetAdminUsers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.AdminUsers, nil
}

// GetClientDetails fetches the client shown on ticket summaries.
func (c *Client) GetClientDetails(ctx context.Context, clientID string) (*ClientInfo, error) {
	params := url.Values{}
	params.Set("clientid", clientID)
	params.Set("stats", "false")

	var resp struct {
		Client ClientInfo `json:"client"`
	}
	if err := c.call(ctx, "GetClientsDetails", params, &resp); err != nil {
		return nil, err
	}
	if resp.Client.ID == "" {
		resp.Client.ID = FlexString(clientID)
	}
	return &resp.Client, nil
}

// GetTicketAttachment downloads one attachment of a reply or ticket.
func (c *Client) GetTicketAttachment(ctx context.Context, q AttachmentQuery) (*AttachmentData, error) {
	params := url.Values{}
	params.Set("relatedid", strconv.FormatInt(q.RelatedID, 10))
	params.Set("type", string(q.Scope))
	params.Set("index", strconv.FormatInt(q.Index, 10))

	var resp struct {
		Filename string `json:"filename"`
		Data     string `json:"data"`
	}
	if err := c.call(ctx, "GetTicketAttachment", params, &resp); err != nil {
		return nil, err
	}
	if resp.Data == "" {
		return nil, errors.NewNotFoundError("attachment", fmt.Sprintf("%s/%d/%d", q.Scope, q.RelatedID, q.Index))
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, errors.NewMalformedError("attachment data", err.Error())
	}
	return &AttachmentData{Filename: resp.Filename, Data: data}, nil
}
