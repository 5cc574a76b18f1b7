// Package openmech is a Go client for the OpenMech Chain transaction API.
package openmech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenMech Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Service is a selectable service with its cost.
type Service struct {
	ID   string  `json:"id"`
	Name string  `json:"name,omitempty"`
	Cost float64 `json:"cost"`
}

// CatalogEntry describes a service offered by the server catalog.
type CatalogEntry struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Cost        float64 `json:"cost"`
	Description string  `json:"description,omitempty"`
	MechAddress string  `json:"mech_address,omitempty"`
}

// CreateTransaction is the payload for opening a new transaction. Set
// SafeAddress to "derive" to let the server derive one from the owner.
type CreateTransaction struct {
	OwnerAddress     string    `json:"owner_address"`
	SafeAddress      string    `json:"safe_address,omitempty"`
	Prompt           string    `json:"prompt"`
	SelectedServices []Service `json:"selected_services"`
	TotalCost        float64   `json:"total_cost"`
}

// Payment is the optional payload of the payment call.
type Payment struct {
	TotalCost    float64  `json:"total_cost,omitempty"`
	ServiceNames []string `json:"service_names,omitempty"`
	Chain        string   `json:"chain,omitempty"`
	Account      string   `json:"account,omitempty"`
	SafeAddress  string   `json:"safe_address,omitempty"`
}

// ExecutionStep is one entry of the execution plan.
type ExecutionStep struct {
	Step      string     `json:"step"`
	Tool      string     `json:"tool"`
	Status    string     `json:"status"`
	Result    any        `json:"result,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Execution is the optional payload of the start-execution call.
type Execution struct {
	RequestTxHash  string          `json:"request_tx_hash,omitempty"`
	PaymentTxHash  string          `json:"payment_tx_hash,omitempty"`
	ServiceNames   []string        `json:"service_names,omitempty"`
	ExecutionSteps []ExecutionStep `json:"execution_steps,omitempty"`
}

// ExecutionTicket identifies a dispatched execution.
type ExecutionTicket struct {
	RequestID string `json:"request_id"`
	Operator  string `json:"operator"`
}

// Verification is the optional payload of the verify call.
type Verification struct {
	RequestID string   `json:"request_id,omitempty"`
	Operators []string `json:"operators,omitempty"`
}

// PhaseState is the state of one lifecycle phase.
type PhaseState struct {
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ServiceOutput is the result produced by a completed service.
type ServiceOutput struct {
	Confidence     float64 `json:"confidence"`
	Output         string  `json:"output"`
	ProcessingTime float64 `json:"processing_time"`
}

// ServiceResult is the progress of one service during execution.
type ServiceResult struct {
	ServiceID      string         `json:"service_id"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	StartTime      time.Time      `json:"start_time"`
	ExecutionSteps []string       `json:"execution_steps"`
	Result         *ServiceOutput `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// FinalResult is the synthesized outcome of an execution.
type FinalResult struct {
	Summary         string            `json:"summary"`
	Details         []map[string]any  `json:"details"`
	AggregateResult map[string]string `json:"aggregate_result"`
	Recommendations []string          `json:"recommendations"`
	Confidence      float64           `json:"confidence"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Status is the polling view of an execution.
type Status struct {
	TransactionID  string          `json:"transaction_id"`
	Status         string          `json:"status"`
	Stage          string          `json:"stage,omitempty"`
	Message        string          `json:"message,omitempty"`
	Steps          []string        `json:"steps"`
	ServiceResults []ServiceResult `json:"service_results"`
	Progress       int             `json:"progress"`
	Result         *FinalResult    `json:"result"`
	Error          string          `json:"error,omitempty"`
	OverallStatus  string          `json:"overall_status"`
}

// Content is one block of a verified result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// VerifiedResult is returned by the verify call.
type VerifiedResult struct {
	TransactionID string       `json:"transaction_id"`
	RequestID     string       `json:"request_id"`
	Operators     []string     `json:"operators"`
	Content       []Content    `json:"content"`
	IsError       bool         `json:"is_error"`
	Verified      bool         `json:"verified"`
	Result        *FinalResult `json:"result"`
}

// Transaction is the stored transaction record.
type Transaction struct {
	ID                string          `json:"id"`
	OwnerAddress      string          `json:"owner_address"`
	SafeAddress       string          `json:"safe_address,omitempty"`
	Prompt            string          `json:"prompt"`
	SelectedServices  []Service       `json:"selected_services"`
	TotalCost         float64         `json:"total_cost"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	RequestState      *PhaseState     `json:"request_state,omitempty"`
	PaymentState      *PhaseState     `json:"payment_state,omitempty"`
	ExecutionState    *PhaseState     `json:"execution_state,omitempty"`
	VerificationState *PhaseState     `json:"verification_state,omitempty"`
	RequestTxHash     string          `json:"request_tx_hash,omitempty"`
	PaymentTxHash     string          `json:"payment_tx_hash,omitempty"`
	ExecutionSteps    []ExecutionStep `json:"execution_steps,omitempty"`
	FinalResult       *FinalResult    `json:"final_result,omitempty"`
	PollCount         int             `json:"poll_count"`
}

// Details is a transaction with its derived overall status.
type Details struct {
	Transaction   *Transaction `json:"transaction"`
	OverallStatus string       `json:"overall_status"`
}

// ListOptions filters ListTransactions.
type ListOptions struct {
	Limit         int
	Offset        int
	OverallStatus string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openmech api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openmech api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenMech Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateTransaction opens a new transaction and returns its ID.
func (c *Client) CreateTransaction(ctx context.Context, in CreateTransaction) (string, error) {
	var out struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := c.post(ctx, "/transactions", in, &out); err != nil {
		return "", err
	}
	return out.TransactionID, nil
}

// SubmitRequest completes the request phase and returns the request tx hash.
func (c *Client) SubmitRequest(ctx context.Context, id string) (string, error) {
	var out struct {
		Hash string `json:"request_tx_hash"`
	}
	if err := c.post(ctx, txPath(id, "request"), nil, &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// ExecutePayment completes the payment phase and returns the payment tx hash.
func (c *Client) ExecutePayment(ctx context.Context, id string, in Payment) (string, error) {
	var out struct {
		Hash string `json:"payment_tx_hash"`
	}
	if err := c.post(ctx, txPath(id, "payment"), in, &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// StartExecution dispatches execution.
func (c *Client) StartExecution(ctx context.Context, id string, in Execution) (ExecutionTicket, error) {
	var ticket ExecutionTicket
	if err := c.post(ctx, txPath(id, "execution"), in, &ticket); err != nil {
		return ExecutionTicket{}, err
	}
	return ticket, nil
}

// GetStatus polls the execution status. requestID may be empty.
func (c *Client) GetStatus(ctx context.Context, id, requestID string) (Status, error) {
	var status Status
	query := url.Values{}
	if requestID != "" {
		query.Set("request_id", requestID)
	}
	if err := c.get(ctx, txPath(id, "status"), query, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// VerifyResults completes verification and returns the verified result.
func (c *Client) VerifyResults(ctx context.Context, id string, in Verification) (VerifiedResult, error) {
	var result VerifiedResult
	if err := c.post(ctx, txPath(id, "verify"), in, &result); err != nil {
		return VerifiedResult{}, err
	}
	return result, nil
}

// Cancel fails every phase that has not finished yet.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Details, error) {
	var details Details
	if err := c.post(ctx, txPath(id, "cancel"), map[string]string{"reason": reason}, &details); err != nil {
		return Details{}, err
	}
	return details, nil
}

// GetTransaction fetches a transaction with its overall status.
func (c *Client) GetTransaction(ctx context.Context, id string) (Details, error) {
	var details Details
	if err := c.get(ctx, txPath(id, ""), nil, &details); err != nil {
		return Details{}, err
	}
	return details, nil
}

// ListTransactions lists the transactions of an owner, newest first.
func (c *Client) ListTransactions(ctx context.Context, owner string, opts ListOptions) ([]Details, error) {
	query := url.Values{"owner": {owner}}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.OverallStatus != "" {
		query.Set("overall_status", opts.OverallStatus)
	}
	var out struct {
		Transactions []Details `json:"transactions"`
	}
	if err := c.get(ctx, "/transactions", query, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Services returns the server's service catalog.
func (c *Client) Services(ctx context.Context) ([]CatalogEntry, error) {
	var out struct {
		Services []CatalogEntry `json:"services"`
	}
	if err := c.get(ctx, "/services", nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

func txPath(id, action string) string {
	return path.Join("/transactions", id, action)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
