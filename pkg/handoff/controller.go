package handoff

import (
	"context"
	"net/url"
	"sync"

	"github.com/tenantgate/tenantgate/pkg/grants"
	"github.com/tenantgate/tenantgate/pkg/identity"
)

// State is the handoff controller's position in the flow.
type State string

const (
	StateDirect               State = "direct"
	StateAppInitiated         State = "app_initiated"
	StateAwaitingTenantChoice State = "awaiting_tenant_choice"
	StateAuthorizing          State = "authorizing"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

// DefaultLandingPath is where direct logins without a returnUrl end up.
const DefaultLandingPath = "/dashboard"

// SecondFactorPath is the challenge route a suspended flow redirects to.
const SecondFactorPath = "/auth/two-steps"

// Outcome tells the caller what to do next. Exactly one of the
// navigation fields is meaningful for a given state:
//   - RedirectURL with External=true: full navigation to an external URL
//     (the grant target); never treat as an internal route.
//   - RedirectURL with External=false: internal route change.
//   - Tenants: present the choice and call SelectTenant.
//   - Notice: user-visible message accompanying the state.
type Outcome struct {
	State       State
	RedirectURL string
	External    bool
	Tenants     []identity.TenantMembership
	Notice      string
	Err         error
}

// Controller drives one app-initiated login flow for one signed-in user.
// It is created after credential verification and discarded when the
// flow reaches Done or the user navigates away.
type Controller struct {
	issuer  grants.Issuer
	ssoCtx  SSOContext
	id      *identity.Identity
	landing string

	mu       sync.Mutex
	state    State
	inFlight bool
}

// NewController creates a controller for a verified identity and parsed
// SSO context.
func NewController(issuer grants.Issuer, id *identity.Identity, ssoCtx SSOContext) *Controller {
	state := StateDirect
	if ssoCtx.AppInitiated() {
		state = StateAppInitiated
	}
	return &Controller{
		issuer:  issuer,
		ssoCtx:  ssoCtx,
		id:      id,
		landing: DefaultLandingPath,
		state:   state,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Proceed advances the flow from the post-sign-in decision point.
func (c *Controller) Proceed(ctx context.Context) Outcome {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateDirect {
		target := c.landing
		if c.ssoCtx.ReturnURL != "" {
			target = c.ssoCtx.ReturnURL
		}
		return Outcome{State: StateDirect, RedirectURL: target}
	}

	if c.ssoCtx.TenantID != "" {
		return c.authorize(ctx, c.ssoCtx.TenantID)
	}

	matches := c.id.MembershipsWithApp(c.ssoCtx.AppID)
	switch len(matches) {
	case 0:
		c.setState(StateFailed)
		return Outcome{
			State:       StateFailed,
			RedirectURL: c.landing,
			Notice:      "you do not have access to this application",
		}
	case 1:
		return c.authorize(ctx, matches[0].TenantID)
	default:
		c.setState(StateAwaitingTenantChoice)
		return Outcome{State: StateAwaitingTenantChoice, Tenants: matches}
	}
}

// SelectTenant resumes an AwaitingTenantChoice flow with an explicit
// tenant selection. Selecting a tenant the identity cannot reach the
// application through is rejected.
func (c *Controller) SelectTenant(ctx context.Context, tenantID string) Outcome {
	m, ok := c.id.Membership(tenantID)
	if !ok || !m.HasApp(c.ssoCtx.AppID) {
		return Outcome{
			State:  StateAwaitingTenantChoice,
			Notice: "you do not have access to this application in the selected tenant",
		}
	}
	return c.authorize(ctx, tenantID)
}

// authorize issues the grant. A second invocation while one is in flight
// is a no-op, since grant issuance is external and not idempotent.
func (c *Controller) authorize(ctx context.Context, tenantID string) Outcome {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return Outcome{State: StateAuthorizing}
	}
	if c.state == StateDone {
		c.mu.Unlock()
		return Outcome{State: StateDone}
	}
	c.inFlight = true
	c.state = StateAuthorizing
	c.mu.Unlock()

	target, err := c.issuer.Issue(ctx, c.id.UserID, tenantID, c.ssoCtx.AppID, c.ssoCtx.RedirectURI)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if err != nil {
		// Reported, not retried; the user may re-trigger tenant
		// selection to try again.
		c.state = StateFailed
		return Outcome{State: StateFailed, Notice: "failed to authorize access", Err: err}
	}

	c.state = StateDone
	return Outcome{State: StateDone, RedirectURL: target, External: true}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SecondFactorRedirect builds the challenge URL a suspended flow
// redirects to: the temp token plus the full SSO context ride along as
// query parameters so the flow resumes at the same decision point once
// the challenge succeeds.
func SecondFactorRedirect(tempToken string, ssoCtx SSOContext) string {
	v := ssoCtx.QueryValues()
	v.Set("token", tempToken)
	v.Set("validate", "true")
	return SecondFactorPath + "?" + v.Encode()
}

// TenantSelectorRedirect builds the internal route to the tenant picker
// carrying the SSO context.
func TenantSelectorRedirect(ssoCtx SSOContext) string {
	v := url.Values{}
	v.Set("app_id", ssoCtx.AppID)
	v.Set("redirect_uri", ssoCtx.RedirectURI)
	return "/dashboard/select-tenant?" + v.Encode()
}
