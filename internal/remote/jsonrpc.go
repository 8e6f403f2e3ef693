package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// JSONRPCConfig configures a JSONRPCTransport.
type JSONRPCConfig struct {
	URL      string // base URL, "/jsonrpc" is appended
	Database string
	Username string
	Password string
	Timeout  time.Duration

	// RateLimit is the number of requests per second; 0 disables limiting.
	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
}

// JSONRPCTransport talks to an ERP exposing the common/object services over
// JSON-RPC 2.0 ("common.authenticate", "object.execute_kw").
type JSONRPCTransport struct {
	endpoint string
	cfg      JSONRPCConfig
	client   *http.Client
	limiter  *rate.Limiter
	nextID   atomic.Int64
}

// NewJSONRPCTransport creates a transport for cfg.
func NewJSONRPCTransport(cfg JSONRPCConfig) (*JSONRPCTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote URL is required")
	}
	if cfg.Database == "" || cfg.Username == "" {
		return nil, fmt.Errorf("remote database and username are required")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &JSONRPCTransport{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/jsonrpc",
		cfg:      cfg,
		client:   client,
		limiter:  limiter,
	}, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

// Authenticate logs in and returns the session uid.
func (t *JSONRPCTransport) Authenticate(ctx context.Context) (Session, error) {
	raw, err := t.call(ctx, "authenticate", "common", "authenticate",
		[]any{t.cfg.Database, t.cfg.Username, t.cfg.Password, map[string]any{}})
	if err != nil {
		return Session{}, err
	}

	// A rejected login yields result=false rather than an error.
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		return Session{}, NewError("authenticate", ErrAuthentication, "invalid credentials for "+t.cfg.Username)
	}
	return Session{UID: uid, AuthenticatedAt: time.Now()}, nil
}

// Search finds the first record of model whose field equals value.
func (t *JSONRPCTransport) Search(ctx context.Context, sess Session, model, field, value string) (int64, bool, error) {
	domain := []any{[]any{field, "=", value}}
	raw, err := t.executeKW(ctx, sess, "search", model, "search", []any{domain}, map[string]any{"limit": 1})
	if err != nil {
		return 0, false, err
	}

	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return 0, false, NewError("search", ErrServer, "unexpected search result: "+string(raw))
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

// Create writes values as a new record of model.
func (t *JSONRPCTransport) Create(ctx context.Context, sess Session, model string, values map[string]any) (int64, error) {
	raw, err := t.executeKW(ctx, sess, "create", model, "create", []any{values}, map[string]any{})
	if err != nil {
		return 0, err
	}

	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		// Newer servers answer batch-style creates with a list.
		var ids []int64
		if err2 := json.Unmarshal(raw, &ids); err2 != nil || len(ids) == 0 {
			return 0, NewError("create", ErrServer, "unexpected create result: "+string(raw))
		}
		id = ids[0]
	}
	return id, nil
}

func (t *JSONRPCTransport) executeKW(ctx context.Context, sess Session, op, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	return t.call(ctx, op, "object", "execute_kw",
		[]any{t.cfg.Database, sess.UID, t.cfg.Password, model, method, args, kwargs})
}

func (t *JSONRPCTransport) call(ctx context.Context, op, service, method string, args []any) (json.RawMessage, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, NewError(op, ErrTimeout, "rate limiter: "+err.Error())
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      t.nextID.Add(1),
	})
	if err != nil {
		return nil, NewError(op, ErrValidation, "encode request: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewError(op, ErrConnection, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, transportError(op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Op:      op,
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(string(data)),
			Kind:    statusKind(resp.StatusCode),
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, NewError(op, ErrServer, "decode response: "+err.Error())
	}
	if rpcResp.Error != nil {
		msg := rpcResp.Error.Data.Message
		if msg == "" {
			msg = rpcResp.Error.Message
		}
		return nil, &Error{
			Op:      op,
			Code:    rpcResp.Error.Code,
			Message: msg,
			Kind:    exceptionKind(rpcResp.Error.Data.Name),
		}
	}
	return rpcResp.Result, nil
}

func transportError(op string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewError(op, ErrTimeout, err.Error())
	}
	return NewError(op, ErrConnection, err.Error())
}

func statusKind(status int) error {
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable:
		return ErrConnection
	case status == http.StatusUnauthorized:
		return ErrAuthentication
	case status == http.StatusForbidden:
		return ErrPermission
	case status >= 500:
		return ErrServer
	default:
		return ErrValidation
	}
}

// exceptionKind maps the server-side exception class name onto an error kind.
func exceptionKind(name string) error {
	switch {
	case strings.HasSuffix(name, "AccessDenied"), strings.HasSuffix(name, "SessionExpiredException"):
		return ErrAuthentication
	case strings.HasSuffix(name, "AccessError"):
		return ErrPermission
	case strings.HasSuffix(name, "ValidationError"),
		strings.HasSuffix(name, "UserError"),
		strings.HasSuffix(name, "MissingError"),
		strings.HasSuffix(name, "ValueError"):
		return ErrValidation
	case strings.Contains(name, "IntegrityError"), strings.Contains(name, "UniqueViolation"):
		return ErrDataIntegrity
	default:
		return ErrServer
	}
}
