package routing_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/element-hq/identity/associations"
	assocstorage "github.com/element-hq/identity/associations/storage"
	identityinternal "github.com/element-hq/identity/identityapi/internal"
	"github.com/element-hq/identity/identityapi/routing"
	identitystorage "github.com/element-hq/identity/identityapi/storage"
	"github.com/element-hq/identity/internal/sqlutil"
	"github.com/element-hq/identity/replication"
	replstorage "github.com/element-hq/identity/replication/storage"
	"github.com/element-hq/identity/setup/config"
	"github.com/element-hq/identity/setup/process"
	"github.com/element-hq/identity/test"
	"github.com/element-hq/identity/validation"
	"github.com/element-hq/identity/validation/mail"
	validationstorage "github.com/element-hq/identity/validation/storage"
)

const (
	localServer = spec.ServerName("id.example.com")
	homeserver  = spec.ServerName("hs.example.com")
	aliceMXID   = "@alice:hs.example.com"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []*mail.Mail
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, msg *mail.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) last(t *testing.T) *mail.Mail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	return m.sent[len(m.sent)-1]
}

type fakeSender struct {
	texts []string
}

func (s *fakeSender) SendText(ctx context.Context, body, msisdn string, originator config.Originator) error {
	s.texts = append(s.texts, body)
	return nil
}

// fakeHomeserver answers OpenID userinfo requests.
type fakeHomeserver struct {
	code int
	sub  string
	host string
}

func (h *fakeHomeserver) DoHTTPRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	h.host = req.URL.Host
	rec := httptest.NewRecorder()
	rec.WriteHeader(h.code)
	body, _ := json.Marshal(map[string]string{"sub": h.sub})
	_, _ = rec.Write(body)
	return rec.Result(), nil
}

type testEnv struct {
	router  *mux.Router
	mailer  *fakeMailer
	sender  *fakeSender
	hs      *fakeHomeserver
	signer  *associations.Signer
	binder  *associations.Binder
	assocDB assocstorage.Database
}

func mustCreateEnv(t *testing.T, dbType test.DBType) (*testEnv, func()) {
	t.Helper()
	connStr, closeDB := test.PrepareDBConnectionString(t, dbType)
	cm := sqlutil.NewConnectionManager(nil, config.DatabaseOptions{})
	dbOpts := &config.DatabaseOptions{ConnectionString: config.DataSource(connStr)}
	assocDB, err := assocstorage.NewDatabase(cm, dbOpts)
	require.NoError(t, err)
	peerDB, err := replstorage.NewDatabase(cm, dbOpts)
	require.NoError(t, err)
	sessionDB, err := validationstorage.NewDatabase(cm, dbOpts)
	require.NoError(t, err)
	accountDB, err := identitystorage.NewDatabase(cm, dbOpts)
	require.NoError(t, err)

	srv := test.NewServer(localServer)
	cfg := &config.IdentityServer{}
	cfg.Defaults()
	cfg.Global.ServerName = srv.Name
	cfg.Global.KeyID = srv.KeyID
	cfg.Global.PrivateKey = srv.PrivateKey
	cfg.HTTP.PublicBaseURL = "https://id.example.com"
	cfg.Validation.RateLimiting.Enabled = false
	cfg.Validation.SMS.Originators = map[string][]config.Originator{}
	cfg.Validation.SMS.Rules = map[string]config.SMSRuleAction{"1": config.SMSRuleReject}

	processCtx := process.NewProcessContext()
	signer := associations.NewSigner(&cfg.Global)
	pusher := replication.NewPusher(processCtx, &cfg.Replication, assocDB, peerDB, signer, nil)
	binder := associations.NewBinder(assocDB, pusher)

	env := &testEnv{
		router:  mux.NewRouter().SkipClean(true).UseEncodedPath(),
		mailer:  &fakeMailer{},
		sender:  &fakeSender{},
		hs:      &fakeHomeserver{code: http.StatusOK, sub: aliceMXID},
		signer:  signer,
		binder:  binder,
		assocDB: assocDB,
	}
	validator := validation.NewValidator(&cfg.Validation, sessionDB, binder)
	routing.Setup(
		env.router, cfg, &identityinternal.AccountAPI{DB: accountDB},
		validator,
		validation.NewEmailValidator(validator, env.mailer, cfg.HTTP.PublicBaseURL),
		validation.NewMsisdnValidator(validator, &cfg.Validation.SMS, env.sender),
		signer, binder, assocDB, nil, env.hs,
	)
	return env, func() {
		processCtx.Shutdown()
		closeDB()
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.RemoteAddr = "192.0.2.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes()
}

func (e *testEnv) requestEmailToken(t *testing.T, email, secret, nextLink string) string {
	t.Helper()
	body := map[string]interface{}{
		"email":         email,
		"client_secret": secret,
		"send_attempt":  1,
	}
	if nextLink != "" {
		body["next_link"] = nextLink
	}
	code, res := e.do(t, http.MethodPost, "/_matrix/identity/api/v1/validate/email/requestToken", "", body)
	require.Equal(t, http.StatusOK, code, string(res))
	sid := gjson.GetBytes(res, "sid").Str
	require.NotEmpty(t, sid)
	return sid
}

func TestEmailValidationEndToEnd(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		env, close := mustCreateEnv(t, dbType)
		defer close()

		sid := env.requestEmailToken(t, "Alice@Example.com", "oursecret", "")
		sent := env.mailer.last(t)
		assert.Equal(t, "alice@example.com", sent.To)
		assert.Equal(t, "192.0.2.1", sent.IPAddress)

		// follow the link in the email
		link, err := url.Parse(sent.Link)
		require.NoError(t, err)
		assert.Equal(t, "id.example.com", link.Host)
		assert.Equal(t, validation.SubmitEmailTokenPath, link.Path)
		code, page := env.do(t, http.MethodGet, link.RequestURI(), "", nil)
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, string(page), "Verification successful")

		code, res := env.do(t, http.MethodGet,
			"/_matrix/identity/api/v1/3pid/getValidated3pid?sid="+sid+"&client_secret=oursecret", "", nil)
		require.Equal(t, http.StatusOK, code, string(res))
		assert.Equal(t, "email", gjson.GetBytes(res, "medium").Str)
		assert.Equal(t, "alice@example.com", gjson.GetBytes(res, "address").Str)
		assert.NotZero(t, gjson.GetBytes(res, "validated_at").Int())

		code, res = env.do(t, http.MethodPost, "/_matrix/identity/api/v1/3pid/bind", "", map[string]string{
			"sid": sid, "client_secret": "oursecret", "mxid": aliceMXID,
		})
		require.Equal(t, http.StatusOK, code, string(res))
		assert.Equal(t, aliceMXID, gjson.GetBytes(res, "mxid").Str)
		require.NoError(t, gomatrixserverlib.VerifyJSON(string(localServer), env.signer.KeyID, env.signer.PublicKey(), res))

		code, res = env.do(t, http.MethodGet, "/_matrix/identity/api/v1/lookup?medium=email&address=alice%40example.com", "", nil)
		require.Equal(t, http.StatusOK, code, string(res))
		assert.Equal(t, aliceMXID, gjson.GetBytes(res, "mxid").Str)
		require.NoError(t, gomatrixserverlib.VerifyJSON(string(localServer), env.signer.KeyID, env.signer.PublicKey(), res))

		code, res = env.do(t, http.MethodPost, "/_matrix/identity/api/v1/bulk_lookup", "", map[string]interface{}{
			"threepids": [][]string{{"email", "alice@example.com"}, {"email", "bob@example.com"}},
		})
		require.Equal(t, http.StatusOK, code, string(res))
		assert.JSONEq(t, `{"threepids":[["email","alice@example.com","@alice:hs.example.com"]]}`, string(res))
	})
}

func TestSubmitTokenFailures(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	sid := env.requestEmailToken(t, "alice@example.com", "oursecret", "")
	token := env.mailer.last(t).Token
	submit := func(sid, secret, token string) []byte {
		code, res := env.do(t, http.MethodPost, "/_matrix/identity/api/v1/validate/email/submitToken", "", map[string]string{
			"sid": sid, "client_secret": secret, "token": token,
		})
		require.Equal(t, http.StatusOK, code, string(res))
		return res
	}

	assert.JSONEq(t,
		`{"success":false,"errcode":"M_INVALID_PARAM","error":"Client secret does not match the one given when requesting the token"}`,
		string(submit(sid, "wrongsecret", token)),
	)
	assert.JSONEq(t,
		`{"success":false,"errcode":"M_INVALID_PARAM","error":"The token doesn't match"}`,
		string(submit(sid, "oursecret", "nottherighttoken")),
	)
	assert.JSONEq(t,
		`{"success":false,"errcode":"M_NO_VALID_SESSION","error":"No session could be found with this sid"}`,
		string(submit("12345", "oursecret", token)),
	)

	code, res := env.do(t, http.MethodPost, "/_matrix/identity/api/v1/validate/email/submitToken", "", map[string]string{
		"sid": sid, "client_secret": "not valid!", "token": token,
	})
	assert.Equal(t, http.StatusBadRequest, code, string(res))
	assert.Equal(t, "M_INVALID_PARAM", gjson.GetBytes(res, "errcode").Str)
	assert.Equal(t, "Invalid client_secret provided", gjson.GetBytes(res, "error").Str)

	assert.JSONEq(t, `{"success":true}`, string(submit(sid, "oursecret", token)))
	// the same token may be submitted again
	assert.JSONEq(t, `{"success":true}`, string(submit(sid, "oursecret", token)))

	code, page := env.do(t, http.MethodGet,
		"/_matrix/identity/api/v1/validate/email/submitToken?sid="+sid+"&client_secret=oursecret&token=wrong", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(page), "Verification failed")
}

func TestRequestTokenErrors(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	testCases := []struct {
		name     string
		body     map[string]interface{}
		sendErr  error
		wantCode int
		wantErr  string
		wantMsg  string
	}{
		{
			name:     "missing parameters",
			body:     map[string]interface{}{"email": "alice@example.com"},
			wantCode: http.StatusBadRequest,
			wantErr:  "M_MISSING_PARAM",
		},
		{
			name:     "invalid client secret",
			body:     map[string]interface{}{"email": "alice@example.com", "client_secret": "not valid!", "send_attempt": 1},
			wantCode: http.StatusBadRequest,
			wantErr:  "M_INVALID_PARAM",
			wantMsg:  "Invalid client_secret provided",
		},
		{
			name:     "invalid next link",
			body:     map[string]interface{}{"email": "alice@example.com", "client_secret": "s", "send_attempt": 1, "next_link": "javascript:alert(1)"},
			wantCode: http.StatusBadRequest,
			wantErr:  "M_INVALID_PARAM",
			wantMsg:  "Invalid next_link",
		},
		{
			name:     "invalid address",
			body:     map[string]interface{}{"email": "not an email", "client_secret": "s", "send_attempt": 1},
			wantCode: http.StatusBadRequest,
			wantErr:  "M_INVALID_EMAIL",
		},
		{
			name:     "send attempt as a string",
			body:     map[string]interface{}{"email": "alice@example.com", "client_secret": "s", "send_attempt": "1"},
			wantCode: http.StatusOK,
		},
		{
			name:     "send failure",
			body:     map[string]interface{}{"email": "alice@example.com", "client_secret": "s", "send_attempt": 2},
			sendErr:  errors.New("smtp is down"),
			wantCode: http.StatusInternalServerError,
			wantErr:  "M_EMAIL_SEND_ERROR",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env.mailer.err = tc.sendErr
			code, res := env.do(t, http.MethodPost, "/_matrix/identity/api/v1/validate/email/requestToken", "", tc.body)
			assert.Equal(t, tc.wantCode, code, string(res))
			if tc.wantErr != "" {
				assert.Equal(t, tc.wantErr, gjson.GetBytes(res, "errcode").Str)
			}
			if tc.wantMsg != "" {
				assert.Equal(t, tc.wantMsg, gjson.GetBytes(res, "error").Str)
			}
		})
	}
}

func TestSubmitTokenRedirectsToNextLink(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	env.requestEmailToken(t, "alice@example.com", "oursecret", "https://app.example.com/done")
	link, err := url.Parse(env.mailer.last(t).Link)
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/done", link.Query().Get("nextLink"))

	req := httptest.NewRequest(http.MethodGet, link.RequestURI(), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example.com/done", rec.Header().Get("Location"))

	// a different next link is refused
	q := link.Query()
	q.Set("nextLink", "https://evil.example.com")
	code, page := env.do(t, http.MethodGet, link.Path+"?"+q.Encode(), "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(page), "Verification failed")
}

func TestPendingBind(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	sid := env.requestEmailToken(t, "alice@example.com", "oursecret", "")
	code, res := env.do(t, http.MethodPost, "/_matrix/identity/api/v1/3pid/bind", "", map[string]string{
		"sid": sid, "client_secret": "oursecret", "mxid": aliceMXID,
	})
	require.Equal(t, http.StatusAccepted, code, string(res))
	assert.JSONEq(t, `{"pending":true}`, string(res))

	code, res = env.do(t, http.MethodGet, "/_matrix/identity/api/v1/3pid/getValidated3pid?sid="+sid+"&client_secret=oursecret", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "M_SESSION_NOT_VALIDATED", gjson.GetBytes(res, "errcode").Str)

	code, res = env.do(t, http.MethodGet, "/_matrix/identity/api/v1/lookup?medium=email&address=alice@example.com", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{}`, string(res))

	code, _ = env.do(t, http.MethodPost, "/_matrix/identity/api/v1/validate/email/submitToken", "", map[string]string{
		"sid": sid, "client_secret": "oursecret", "token": env.mailer.last(t).Token,
	})
	require.Equal(t, http.StatusOK, code)

	code, res = env.do(t, http.MethodGet, "/_matrix/identity/api/v1/lookup?medium=email&address=alice@example.com", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, aliceMXID, gjson.GetBytes(res, "mxid").Str)
}

func TestMsisdnRequestToken(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	code, res := env.do(t, http.MethodPost, "/_matrix/identity/api/v1/validate/msisdn/requestToken", "", map[string]interface{}{
		"phone_number": "07700 900123", "country": "GB", "client_secret": "oursecret", "send_attempt": 1,
	})
	require.Equal(t, http.StatusOK, code, string(res))
	assert.Equal(t, "447700900123", gjson.GetBytes(res, "msisdn").Str)
	assert.Equal(t, "+44 7700 900123", gjson.GetBytes(res, "intl_fmt").Str)
	assert.NotEmpty(t, gjson.GetBytes(res, "sid").Str)
	require.Len(t, env.sender.texts, 1)

	code, res = env.do(t, http.MethodPost, "/_matrix/identity/api/v1/validate/msisdn/requestToken", "", map[string]interface{}{
		"phone_number": "+1 202 555 0123", "country": "US", "client_secret": "oursecret", "send_attempt": 1,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "M_DESTINATION_REJECTED", gjson.GetBytes(res, "errcode").Str)

	code, res = env.do(t, http.MethodPost, "/_matrix/identity/api/v1/validate/msisdn/requestToken", "", map[string]interface{}{
		"phone_number": "not a number", "country": "GB", "client_secret": "oursecret", "send_attempt": 1,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "M_INVALID_PHONE_NUMBER", gjson.GetBytes(res, "errcode").Str)
	assert.Len(t, env.sender.texts, 1)
}

func TestBulkLookupRejectsBadInput(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	for _, body := range []interface{}{
		map[string]interface{}{"threepids": "email"},
		map[string]interface{}{},
		map[string]interface{}{"threepids": []interface{}{[]interface{}{"email"}}},
	} {
		code, res := env.do(t, http.MethodPost, "/_matrix/identity/api/v1/bulk_lookup", "", body)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "M_INVALID_PARAM", gjson.GetBytes(res, "errcode").Str)
	}

	code, res := env.do(t, http.MethodPost, "/_matrix/identity/api/v1/bulk_lookup", "", map[string]interface{}{"threepids": []interface{}{}})
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"threepids":[]}`, string(res))
}

func TestPubKey(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	code, res := env.do(t, http.MethodGet, "/_matrix/identity/api/v1/pubkey/"+string(env.signer.KeyID), "", nil)
	require.Equal(t, http.StatusOK, code, string(res))
	publicKey := gjson.GetBytes(res, "public_key").Str
	assert.Equal(t, base64.RawStdEncoding.EncodeToString(env.signer.PublicKey()), publicKey)

	code, _ = env.do(t, http.MethodGet, "/_matrix/identity/api/v1/pubkey/ed25519:unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, res = env.do(t, http.MethodGet, "/_matrix/identity/v2/pubkey/isvalid?public_key="+url.QueryEscape(publicKey), "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"valid":true}`, string(res))

	code, res = env.do(t, http.MethodGet, "/_matrix/identity/api/v1/pubkey/isvalid?public_key=AAAA", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"valid":false}`, string(res))
}

func TestV2Accounts(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	code, res := env.do(t, http.MethodPost, "/_matrix/identity/v2/validate/email/requestToken", "", map[string]interface{}{
		"email": "alice@example.com", "client_secret": "oursecret", "send_attempt": 1,
	})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "M_MISSING_TOKEN", gjson.GetBytes(res, "errcode").Str)

	code, res = env.do(t, http.MethodPost, "/_matrix/identity/v2/account/register", "", map[string]interface{}{
		"access_token": "openidtoken", "token_type": "Bearer", "matrix_server_name": "hs.example.com", "expires_in": 3600,
	})
	require.Equal(t, http.StatusOK, code, string(res))
	assert.Equal(t, "hs.example.com", env.hs.host)
	token := gjson.GetBytes(res, "token").Str
	require.NotEmpty(t, token)
	assert.Equal(t, token, gjson.GetBytes(res, "access_token").Str)

	code, res = env.do(t, http.MethodGet, "/_matrix/identity/v2/account", token, nil)
	require.Equal(t, http.StatusOK, code, string(res))
	assert.JSONEq(t, `{"user_id":"@alice:hs.example.com"}`, string(res))

	code, res = env.do(t, http.MethodPost, "/_matrix/identity/v2/validate/email/requestToken", token, map[string]interface{}{
		"email": "alice@example.com", "client_secret": "oursecret", "send_attempt": 1,
	})
	assert.Equal(t, http.StatusOK, code, string(res))

	// binding somebody else's mxid is refused
	code, _ = env.do(t, http.MethodPost, "/_matrix/identity/v2/3pid/bind", token, map[string]string{
		"sid": gjson.GetBytes(res, "sid").Str, "client_secret": "oursecret", "mxid": "@mallory:hs.example.com",
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = env.do(t, http.MethodPost, "/_matrix/identity/v2/account/logout", token, struct{}{})
	require.Equal(t, http.StatusOK, code)
	code, res = env.do(t, http.MethodGet, "/_matrix/identity/v2/account", token, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "M_UNKNOWN_TOKEN", gjson.GetBytes(res, "errcode").Str)
}

func TestRegisterFailures(t *testing.T) {
	env, close := mustCreateEnv(t, test.DBTypeSQLite)
	defer close()

	register := func(serverName string) (int, []byte) {
		return env.do(t, http.MethodPost, "/_matrix/identity/v2/account/register", "", map[string]interface{}{
			"access_token": "openidtoken", "matrix_server_name": serverName,
		})
	}

	code, _ := register("not a server/name")
	assert.Equal(t, http.StatusBadRequest, code)

	env.hs.code = http.StatusUnauthorized
	code, res := register("hs.example.com")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "M_UNKNOWN_TOKEN", gjson.GetBytes(res, "errcode").Str)

	env.hs.code = http.StatusOK
	env.hs.sub = "@alice:other.example.com"
	code, res = register("hs.example.com")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.True(t, strings.Contains(gjson.GetBytes(res, "error").Str, "another homeserver"))

	env.hs.sub = ""
	code, _ = register("hs.example.com")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestUnbind(t *testing.T) {
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		env, close := mustCreateEnv(t, dbType)
		defer close()
		ctx := context.Background()

		_, err := env.binder.AddBinding(ctx, "email", "alice@example.com", aliceMXID)
		require.NoError(t, err)

		unbind := func(origin spec.ServerName, mxid string) int {
			request := fclient.NewFederationRequest(http.MethodPost, origin, localServer, "/_matrix/identity/api/v1/3pid/unbind")
			require.NoError(t, request.SetContent(map[string]interface{}{
				"mxid":     mxid,
				"threepid": map[string]string{"medium": "email", "address": "Alice@example.com"},
			}))
			httpReq := httptest.NewRequest(http.MethodPost, "/_matrix/identity/api/v1/3pid/unbind", nil)
			return routing.Unbind(httpReq, &request, env.binder, env.assocDB).Code
		}

		assert.Equal(t, http.StatusForbidden, unbind("evil.example.com", aliceMXID))
		assert.Equal(t, http.StatusNotFound, unbind(homeserver, "@bob:hs.example.com"))
		assert.Equal(t, http.StatusOK, unbind(homeserver, aliceMXID))

		raw, err := env.assocDB.SignedAssociationForThreepid(ctx, "email", "alice@example.com")
		require.NoError(t, err)
		assert.Nil(t, raw)

		// nothing left to unbind
		assert.Equal(t, http.StatusNotFound, unbind(homeserver, aliceMXID))
	})
}

func TestRateLimits(t *testing.T) {
	limits := routing.NewRateLimits(&config.RateLimiting{Enabled: true, PerSecond: 0.001, Burst: 2})
	req := func(addr string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.RemoteAddr = addr
		return r
	}

	assert.Nil(t, limits.Limit(req("192.0.2.1:1000")))
	assert.Nil(t, limits.Limit(req("192.0.2.1:1001")))
	res := limits.Limit(req("192.0.2.1:1002"))
	require.NotNil(t, res)
	assert.Equal(t, http.StatusTooManyRequests, res.Code)

	// other clients are unaffected
	assert.Nil(t, limits.Limit(req("192.0.2.2:1000")))

	disabled := routing.NewRateLimits(&config.RateLimiting{Enabled: false})
	for i := 0; i < 10; i++ {
		assert.Nil(t, disabled.Limit(req("192.0.2.1:1000")))
	}
}
