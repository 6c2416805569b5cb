package schemas

import (
	"strings"
)

// -- Agent Schemas --

// ReservedPlaceholders are command variables filled from the agent itself,
// never from collected facts.
var ReservedPlaceholders = map[string]bool{
	"server":         true,
	"group":          true,
	"paw":            true,
	"location":       true,
	"exe_name":       true,
	"upstream_dest":  true,
	"origin_link_id": true,
}

// Agent is a remote execution endpoint.
type Agent struct {
	Paw          string   `json:"paw" yaml:"paw"`
	Group        string   `json:"group,omitempty" yaml:"group,omitempty"`
	Platform     string   `json:"platform" yaml:"platform"`
	Executors    []string `json:"executors" yaml:"executors"`
	Privilege    string   `json:"privilege,omitempty" yaml:"privilege,omitempty"`
	Trusted      bool     `json:"trusted" yaml:"trusted"`
	Architecture string   `json:"architecture,omitempty" yaml:"architecture,omitempty"`
	Contact      string   `json:"contact,omitempty" yaml:"contact,omitempty"`
	Server       string   `json:"server,omitempty" yaml:"server,omitempty"`
	UpstreamDest string   `json:"upstream_dest,omitempty" yaml:"upstream_dest,omitempty"`
	Location     string   `json:"location,omitempty" yaml:"location,omitempty"`
	ExeName      string   `json:"exe_name,omitempty" yaml:"exe_name,omitempty"`
}

// PreferredExecutor returns the executor of the ability the agent would use,
// honouring the agent's executor preference order. Nil means the agent cannot
// run the ability.
func (a *Agent) PreferredExecutor(ability *Ability) *Executor {
	if ability == nil {
		return nil
	}
	for _, name := range a.Executors {
		if ex := ability.FindExecutor(name, a.Platform); ex != nil {
			return ex
		}
	}
	return nil
}

// CanRun reports whether the agent has an executor and sufficient privilege.
func (a *Agent) CanRun(ability *Ability) bool {
	if a.PreferredExecutor(ability) == nil {
		return false
	}
	if ability.Privilege == PrivilegeElevated && a.Privilege != PrivilegeElevated {
		return false
	}
	return true
}

// Capabilities filters abilities down to the ones this agent can run.
func (a *Agent) Capabilities(abilities []Ability) []Ability {
	var out []Ability
	for i := range abilities {
		if a.CanRun(&abilities[i]) {
			out = append(out, abilities[i])
		}
	}
	return out
}

// ReplaceReserved substitutes agent-owned placeholders in a command template.
// #{upstream_dest} falls back to the server address. #{origin_link_id} is left
// in place until the link has an id.
func (a *Agent) ReplaceReserved(command string) string {
	upstream := a.UpstreamDest
	if upstream == "" {
		upstream = a.Server
	}
	r := strings.NewReplacer(
		"#{server}", a.Server,
		"#{upstream_dest}", upstream,
		"#{group}", a.Group,
		"#{paw}", a.Paw,
		"#{location}", a.Location,
		"#{exe_name}", a.ExeName,
	)
	return r.Replace(command)
}
