package controllers

import (
	"net/http"
	"strconv"

	"agentfleet/backend/app/fly"
	"agentfleet/backend/app/services"
)

// Fleet is the operator side of every provider call: the Fly app that hosts
// the agents, the operator token and the key that unlocks stored secrets.
type Fleet struct {
	AppName       string
	APIToken      string
	EncryptionKey string
}

func (f Fleet) target() fly.Target {
	return fly.Target{App: f.AppName, Token: f.APIToken}
}

// stored leaves the fly token blank so the agent's stored token is used.
func (f Fleet) stored() services.StoredSecretsRequest {
	return services.StoredSecretsRequest{AppName: f.AppName, EncryptionKey: f.EncryptionKey}
}

// useStored reports whether the caller asked for the agent's stored
// credentials with ?stored=true.
func useStored(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("stored"))
	return v
}
