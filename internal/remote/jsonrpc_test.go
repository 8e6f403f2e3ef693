package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcServer struct {
	t        *testing.T
	status   int
	errName  string
	badLogin bool
	calls    []rpcParams
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jsonrpc" {
		http.NotFound(w, r)
		return
	}
	var req rpcRequest
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
	s.calls = append(s.calls, req.Params)

	if s.status != 0 {
		http.Error(w, "upstream unavailable", s.status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}

	switch {
	case s.errName != "":
		resp["error"] = map[string]any{
			"code":    200,
			"message": "Odoo Server Error",
			"data":    map[string]any{"name": s.errName, "message": "rejected by server"},
		}
	case req.Params.Service == "common":
		if s.badLogin {
			resp["result"] = false
		} else {
			resp["result"] = 7
		}
	case req.Params.Method == "execute_kw":
		switch req.Params.Args[4] {
		case "search":
			resp["result"] = []int{42}
		case "create":
			resp["result"] = 99
		}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newRPC(t *testing.T, srv *rpcServer) *JSONRPCTransport {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	tr, err := NewJSONRPCTransport(JSONRPCConfig{
		URL:      ts.URL + "/",
		Database: "erp",
		Username: "admin",
		Password: "secret",
	})
	require.NoError(t, err)
	return tr
}

func TestJSONRPC_AuthenticateSearchCreate(t *testing.T) {
	srv := &rpcServer{t: t}
	tr := newRPC(t, srv)
	ctx := context.Background()

	sess, err := tr.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sess.UID)

	id, found, err := tr.Search(ctx, sess, "res.partner", "ref", "c-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), id)

	id, err = tr.Create(ctx, sess, "res.partner", map[string]any{"ref": "c-1", "name": "Jane"})
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)

	require.Len(t, srv.calls, 3)
	assert.Equal(t, "authenticate", srv.calls[0].Method)
	assert.Equal(t, "object", srv.calls[1].Service)
	assert.Equal(t, "res.partner", srv.calls[2].Args[3])
}

func TestJSONRPC_RejectedLogin(t *testing.T) {
	tr := newRPC(t, &rpcServer{t: t, badLogin: true})

	_, err := tr.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestJSONRPC_HTTPStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrConnection},
		{http.StatusBadGateway, ErrConnection},
		{http.StatusServiceUnavailable, ErrConnection},
		{http.StatusGatewayTimeout, ErrTimeout},
		{http.StatusInternalServerError, ErrServer},
		{http.StatusUnauthorized, ErrAuthentication},
		{http.StatusForbidden, ErrPermission},
		{http.StatusBadRequest, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			tr := newRPC(t, &rpcServer{t: t, status: tt.status})
			_, err := tr.Authenticate(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJSONRPC_ExceptionMapping(t *testing.T) {
	tests := []struct {
		name string
		want error
	}{
		{"odoo.exceptions.AccessDenied", ErrAuthentication},
		{"odoo.exceptions.AccessError", ErrPermission},
		{"odoo.exceptions.ValidationError", ErrValidation},
		{"odoo.exceptions.UserError", ErrValidation},
		{"psycopg2.errors.UniqueViolation", ErrDataIntegrity},
		{"builtins.KeyError", ErrServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newRPC(t, &rpcServer{t: t, errName: tt.name})
			_, err := tr.Create(context.Background(), Session{UID: 7}, "res.partner", map[string]any{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, "rejected by server", Message(err))
		})
	}
}

func TestJSONRPC_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	tr, err := NewJSONRPCTransport(JSONRPCConfig{URL: url, Database: "erp", Username: "admin"})
	require.NoError(t, err)

	_, err = tr.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestNewJSONRPCTransport_Validation(t *testing.T) {
	_, err := NewJSONRPCTransport(JSONRPCConfig{})
	assert.Error(t, err)

	_, err = NewJSONRPCTransport(JSONRPCConfig{URL: "http://localhost:8069"})
	assert.Error(t, err)
}
