package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/pkg/federation"
	"github.com/tenantgate/tenantgate/pkg/guard"
	"github.com/tenantgate/tenantgate/pkg/handoff"
)

func decodeSignIn(t *testing.T, body string) signInResponse {
	t.Helper()
	var resp signInResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	return resp
}

func sessionFromCookies(t *testing.T, cookies []*http.Cookie) *http.Cookie {
	t.Helper()
	for _, c := range cookies {
		if c.Name == guard.SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func TestSignIn_Direct(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, "POST", "/api/v1/auth/sign-in", `{"username":"alice","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSignIn(t, rec.Body.String())
	assert.Equal(t, "direct", resp.State)
	assert.Equal(t, handoff.DefaultLandingPath, resp.RedirectURL)
	assert.False(t, resp.External)

	cookie := sessionFromCookies(t, rec.Result().Cookies())
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/", cookie.Path)
	assert.False(t, cookie.Secure, "secure flag off in the test fixture")
}

func TestSignIn_BadCredentials(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, "POST", "/api/v1/auth/sign-in", `{"username":"alice","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())
	assert.Empty(t, rec.Result().Cookies())
}

func TestSignIn_MissingFields(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, "POST", "/api/v1/auth/sign-in", `{"username":"alice"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "username and password are required")
}

func TestSignIn_AppInitiated_SingleTenant(t *testing.T) {
	f := newTestFixture(t)

	// bob only reaches billing through acme, so the tenant choice is
	// made for him and a grant comes back immediately.
	target := "/api/v1/auth/sign-in?app_id=billing&redirect_uri=" + url.QueryEscape("https://billing.example.com/cb")
	rec := f.do(t, "POST", target, `{"username":"bob","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSignIn(t, rec.Body.String())
	require.Equal(t, "done", resp.State)
	assert.True(t, resp.External)

	redirect, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "billing.example.com", redirect.Host)
	assert.NotEmpty(t, redirect.Query().Get("code"))
	assert.Equal(t, "acme", redirect.Query().Get("tenant_id"))
}

func TestSignIn_AppInitiated_TenantChoice(t *testing.T) {
	f := newTestFixture(t)

	target := "/api/v1/auth/sign-in?app_id=crm&redirect_uri=" + url.QueryEscape("https://crm.example.com/cb")
	rec := f.do(t, "POST", target, `{"username":"alice","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSignIn(t, rec.Body.String())
	require.Equal(t, "awaiting_tenant_choice", resp.State)
	assert.Equal(t, "CRM", resp.AppName)
	require.Len(t, resp.Tenants, 2)
	cookie := sessionFromCookies(t, rec.Result().Cookies())

	// Picking a tenant finishes the flow.
	rec = f.do(t, "POST", "/api/v1/auth/authorize?app_id=crm&redirect_uri="+url.QueryEscape("https://crm.example.com/cb"),
		`{"tenant_id":"globex"}`, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	resp = decodeSignIn(t, rec.Body.String())
	require.Equal(t, "done", resp.State)
	redirect, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "globex", redirect.Query().Get("tenant_id"))
}

func TestSignIn_AppInitiated_NoAccess(t *testing.T) {
	f := newTestFixture(t)

	// carol has no tenants at all.
	target := "/api/v1/auth/sign-in?app_id=crm&redirect_uri=" + url.QueryEscape("https://crm.example.com/cb")
	rec := f.do(t, "POST", target, `{"username":"carol","password":"passw0rd"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSignIn(t, rec.Body.String())
	assert.Equal(t, "failed", resp.State)
	assert.Equal(t, handoff.DefaultLandingPath, resp.RedirectURL)
	assert.NotEmpty(t, resp.Notice)
}

func TestSignIn_SecondFactorRoundTrip(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, "POST", "/api/v1/auth/sign-in", `{"username":"bob","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSignIn(t, rec.Body.String())
	require.Equal(t, "second_factor_required", resp.State)
	assert.Empty(t, rec.Result().Cookies(), "no session before the challenge completes")

	challenge, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, handoff.SecondFactorPath, challenge.Path)
	token := challenge.Query().Get("token")
	require.NotEmpty(t, token)

	rec = f.do(t, "POST", "/api/v1/auth/two-steps", `{"token":"`+token+`","code":"123456"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeSignIn(t, rec.Body.String())
	assert.Equal(t, "direct", resp.State)
	sessionFromCookies(t, rec.Result().Cookies())

	// The temp token is one-shot.
	rec = f.do(t, "POST", "/api/v1/auth/two-steps", `{"token":"`+token+`","code":"123456"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "second factor rejected")
}

func TestAuthorize_NoFlowInProgress(t *testing.T) {
	f := newTestFixture(t)
	cookie := f.sessionCookie(t, "u1")

	rec := f.do(t, "POST", "/api/v1/auth/authorize", `{}`, cookie)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"no authorization in progress"}`, rec.Body.String())
}

func TestAuthorize_ResumesFromQueryParams(t *testing.T) {
	f := newTestFixture(t)

	// A fresh page load after sign-in carries the SSO context on the
	// query string; the flow is rebuilt from it.
	cookie := f.sessionCookie(t, "u2")
	target := "/api/v1/auth/authorize?app_id=billing&redirect_uri=" + url.QueryEscape("https://billing.example.com/cb")
	rec := f.do(t, "POST", target, `{}`, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSignIn(t, rec.Body.String())
	assert.Equal(t, "done", resp.State)
	assert.True(t, resp.External)
}

func TestAuthorize_RequiresSession(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, "POST", "/api/v1/auth/authorize", `{}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication required")
}

func TestSignOut(t *testing.T) {
	f := newTestFixture(t)
	cookie := f.sessionCookie(t, "u1")

	rec := f.do(t, "POST", "/api/v1/auth/sign-out", "", cookie)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cleared := sessionFromCookies(t, rec.Result().Cookies())
	assert.Equal(t, -1, cleared.MaxAge)

	rec = f.do(t, "GET", "/api/v1/auth/profile", "", cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfile(t *testing.T) {
	f := newTestFixture(t)
	cookie := f.sessionCookie(t, "u1")

	rec := f.do(t, "GET", "/api/v1/auth/profile", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var profile struct {
		UserID      string `json:"user_id"`
		Username    string `json:"username"`
		Memberships []struct {
			TenantID string `json:"tenant_id"`
		} `json:"memberships"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "u1", profile.UserID)
	assert.Equal(t, "alice", profile.Username)
	assert.Len(t, profile.Memberships, 2)
}

func TestUserTenants_AppFilter(t *testing.T) {
	f := newTestFixture(t)
	cookie := f.sessionCookie(t, "u1")

	rec := f.do(t, "GET", "/api/v1/user/tenants", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var tenants []struct {
		TenantID string `json:"tenant_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenants))
	assert.Len(t, tenants, 2)

	// Only acme reaches billing.
	rec = f.do(t, "GET", "/api/v1/user/tenants?app_id=billing", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	tenants = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenants))
	require.Len(t, tenants, 1)
	assert.Equal(t, "acme", tenants[0].TenantID)

	rec = f.do(t, "GET", "/api/v1/user/tenants?app_id=unknown", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestRedeemToken(t *testing.T) {
	f := newTestFixture(t)

	callback, err := f.grantSvc.Issue(context.Background(), "u2", "acme", "billing", "https://billing.example.com/cb")
	require.NoError(t, err)
	parsed, err := url.Parse(callback)
	require.NoError(t, err)
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)

	body := `{"code":"` + code + `","redirect_uri":"https://billing.example.com/cb"}`
	rec := f.do(t, "POST", "/api/v1/auth/token", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u2","tenant_id":"acme","app_id":"billing"}`, rec.Body.String())

	// One shot.
	rec = f.do(t, "POST", "/api/v1/auth/token", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid or expired grant"}`, rec.Body.String())
}

func TestRedeemToken_MissingFields(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, "POST", "/api/v1/auth/token", `{"code":"abc"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "code and redirect_uri are required")
}

func TestFederatedLogin(t *testing.T) {
	f := newTestFixture(t)

	target := "/api/v1/auth/federated/fake/login?app_id=crm&redirect_uri=" + url.QueryEscape("https://crm.example.com/cb")
	rec := f.do(t, "GET", target, "")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state, err := url.ParseQuery(loc.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "crm", state.Get("app_id"))

	rec = f.do(t, "GET", "/api/v1/auth/federated/nope/login", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFederatedCallback(t *testing.T) {
	f := newTestFixture(t)
	f.provider.user = &federation.ExternalUser{
		ExternalID: "idp-42",
		Username:   "bob",
		Email:      "bob@example.com",
	}

	state := url.Values{
		"app_id":       {"billing"},
		"redirect_uri": {"https://billing.example.com/cb"},
	}.Encode()
	rec := f.do(t, "GET", "/api/v1/auth/federated/fake/callback?state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeSignIn(t, rec.Body.String())
	assert.Equal(t, "done", resp.State)
	sessionFromCookies(t, rec.Result().Cookies())
}

func TestFederatedCallback_NoLocalAccount(t *testing.T) {
	f := newTestFixture(t)
	f.provider.user = &federation.ExternalUser{ExternalID: "idp-99", Username: "stranger"}

	rec := f.do(t, "GET", "/api/v1/auth/federated/fake/callback", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"no local account for federated identity"}`, rec.Body.String())
}
