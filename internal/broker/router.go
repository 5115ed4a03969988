package broker

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/milliyang/zuilow/internal/config"
)

// Router resolves the gateway for an account from the accounts config.
// An unknown account or type is an error; the executor treats that as a
// FAILED signal rather than guessing a default broker.
type Router struct {
	gateways map[string]Gateway
	log      zerolog.Logger
}

// RouterDeps are the shared endpoints gateways are built against.
type RouterDeps struct {
	PPTBaseURL string
	DMSBaseURL string
	AuthToken  string
	Timeout    time.Duration
}

// NewRouter builds one gateway per configured account.
func NewRouter(accounts []config.AccountDef, deps RouterDeps, log zerolog.Logger) (*Router, error) {
	r := &Router{
		gateways: make(map[string]Gateway, len(accounts)),
		log:      log.With().Str("component", "broker_router").Logger(),
	}
	for _, a := range accounts {
		timeout := deps.Timeout
		if a.Timeout > 0 {
			timeout = time.Duration(a.Timeout) * time.Second
		}
		switch a.Type {
		case "paper":
			pptURL := a.BaseURL
			if pptURL == "" {
				pptURL = deps.PPTBaseURL
			}
			r.gateways[a.Name] = NewPaperGateway(pptURL, deps.DMSBaseURL, deps.AuthToken, timeout, log)
		case "futu":
			r.gateways[a.Name] = NewFutuGateway(a.BaseURL, a.APIKey, timeout, log)
		case "ibkr":
			r.gateways[a.Name] = NewIBKRGateway(a.BaseURL, a.APIKey, timeout, log)
		case "alpaca":
			r.gateways[a.Name] = NewAlpacaGateway(a.BaseURL, a.APIKey, a.APISecret, log)
		default:
			return nil, fmt.Errorf("account %s has unknown broker type %q", a.Name, a.Type)
		}
		r.log.Info().Str("account", a.Name).Str("type", a.Type).Msg("Broker gateway registered")
	}
	return r, nil
}

// Gateway returns the gateway for an account.
func (r *Router) Gateway(account string) (Gateway, error) {
	g, ok := r.gateways[account]
	if !ok {
		return nil, fmt.Errorf("no broker configured for account %q", account)
	}
	return g, nil
}

// Accounts lists the routable account names.
func (r *Router) Accounts() []string {
	out := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		out = append(out, name)
	}
	return out
}
