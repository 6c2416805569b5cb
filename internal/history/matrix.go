// Package history turns stored operations into a flat matrix of past link
// executions and estimates link success probabilities from it.
package history

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// Feature names of the matrix columns.
const (
	FeatureStatus           = "Status"
	FeatureAbilityID        = "Ability_ID"
	FeatureLinkFacts        = "Link_Facts"
	FeaturePlanner          = "Planner"
	FeatureObfuscator       = "Obfuscator"
	FeatureAdversaryID      = "Adversary_ID"
	FeatureAdversaryName    = "Adversary_Name"
	FeatureCommand          = "Command"
	FeatureNumberFacts      = "Number_Facts"
	FeatureVisibilityScore  = "Visibility_Score"
	FeatureExecutorPlatform = "Executor_Platform"
	FeatureExecutorName     = "Executor_Name"
	FeatureAgentProtocol    = "Agent_Protocol"
	FeatureTrustedStatus    = "Trusted_Status"
	FeatureAgentPrivilege   = "Agent_Privilege"
	FeatureHostArchitecture = "Host_Architecture"
)

// FeatureNames lists every column in display order.
var FeatureNames = []string{
	FeatureStatus, FeatureAbilityID, FeatureLinkFacts, FeaturePlanner,
	FeatureObfuscator, FeatureAdversaryID, FeatureAdversaryName, FeatureCommand,
	FeatureNumberFacts, FeatureVisibilityScore, FeatureExecutorPlatform, FeatureExecutorName,
	FeatureAgentProtocol, FeatureTrustedStatus, FeatureAgentPrivilege, FeatureHostArchitecture,
}

// DefaultExcludedPrefixes are trait prefixes that tie a fact to one host.
var DefaultExcludedPrefixes = []string{"host.", "remote.", "file.last.", "domain.user."}

// Row is one previously executed link.
type Row struct {
	Status           schemas.LinkStatus
	AbilityID        string
	LinkFacts        map[string]string
	Planner          string
	Obfuscator       string
	AdversaryID      string
	AdversaryName    string
	Command          string
	NumberFacts      int
	VisibilityScore  int
	ExecutorPlatform string
	ExecutorName     string
	// Agent columns are empty when the link's agent is not part of the record.
	AgentProtocol    string
	TrustedStatus    string
	AgentPrivilege   string
	HostArchitecture string
}

// Feature renders a scalar column as a string. Link_Facts and unknown names
// report false.
func (r *Row) Feature(name string) (string, bool) {
	switch name {
	case FeatureStatus:
		return strconv.Itoa(int(r.Status)), true
	case FeatureAbilityID:
		return r.AbilityID, true
	case FeaturePlanner:
		return r.Planner, true
	case FeatureObfuscator:
		return r.Obfuscator, true
	case FeatureAdversaryID:
		return r.AdversaryID, true
	case FeatureAdversaryName:
		return r.AdversaryName, true
	case FeatureCommand:
		return r.Command, true
	case FeatureNumberFacts:
		return strconv.Itoa(r.NumberFacts), true
	case FeatureVisibilityScore:
		return strconv.Itoa(r.VisibilityScore), true
	case FeatureExecutorPlatform:
		return r.ExecutorPlatform, true
	case FeatureExecutorName:
		return r.ExecutorName, true
	case FeatureAgentProtocol:
		return r.AgentProtocol, true
	case FeatureTrustedStatus:
		return r.TrustedStatus, true
	case FeatureAgentPrivilege:
		return r.AgentPrivilege, true
	case FeatureHostArchitecture:
		return r.HostArchitecture, true
	}
	return "", false
}

// Values renders the row in FeatureNames order.
func (r *Row) Values() []string {
	out := make([]string, 0, len(FeatureNames))
	for _, name := range FeatureNames {
		if name == FeatureLinkFacts {
			keys := lo.Keys(r.LinkFacts)
			slices.Sort(keys)
			out = append(out, strings.Join(lo.Map(keys, func(k string, _ int) string {
				return k + "=" + r.LinkFacts[k]
			}), ","))
			continue
		}
		v, _ := r.Feature(name)
		out = append(out, v)
	}
	return out
}

// GeneralizableFacts returns the trait/value pairs of the facts a link used,
// minus traits that begin with any of the excluded prefixes. A later fact with
// the same trait overwrites an earlier one.
func GeneralizableFacts(used []schemas.Fact, excludedPrefixes []string) map[string]string {
	out := map[string]string{}
	for _, f := range used {
		if lo.SomeBy(excludedPrefixes, func(p string) bool { return strings.HasPrefix(f.Trait, p) }) {
			continue
		}
		out[f.Trait] = f.Value
	}
	return out
}

// Matrix is the flat table of past link executions.
type Matrix struct {
	Rows []Row
}

// Len is the number of rows.
func (m *Matrix) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Rows)
}

// BuildMatrix derives one row per link in every operation's chain. A link
// that cannot be converted is logged at debug and left out; a record that
// panics during conversion contributes nothing.
func BuildMatrix(ops []schemas.OperationRecord, excludedPrefixes []string, logger *zap.Logger) *Matrix {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Matrix{}
	for i := range ops {
		rows, err := rowsFromOperation(&ops[i], excludedPrefixes, logger)
		if err != nil {
			logger.Debug("Skipping historical operation.", zap.String("operation_id", ops[i].ID), zap.Error(err))
			continue
		}
		m.Rows = append(m.Rows, rows...)
	}
	return m
}

func rowsFromOperation(op *schemas.OperationRecord, excludedPrefixes []string, logger *zap.Logger) (rows []Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("panic while reading operation: %v", r)
		}
	}()

	agents := lo.KeyBy(op.Agents, func(a schemas.Agent) string { return a.Paw })
	for i := range op.Chain {
		link := &op.Chain[i]
		command, decodeErr := link.DecodedCommand()
		if decodeErr != nil {
			logger.Debug("Skipping historical link.", zap.String("link_id", link.ID), zap.Error(decodeErr))
			continue
		}
		row := Row{
			Status:           link.Status,
			AbilityID:        link.AbilityID(),
			LinkFacts:        GeneralizableFacts(link.Used, excludedPrefixes),
			Planner:          op.Planner,
			Obfuscator:       op.Obfuscator,
			AdversaryID:      op.Adversary.ID,
			AdversaryName:    op.Adversary.Name,
			Command:          strings.ReplaceAll(command, "\n", ""),
			NumberFacts:      len(link.Used),
			VisibilityScore:  link.Visibility,
			ExecutorPlatform: link.Executor.Platform,
			ExecutorName:     link.Executor.Name,
		}
		if agent, ok := agents[link.Paw]; ok {
			row.AgentProtocol = agent.Contact
			row.TrustedStatus = strconv.FormatBool(agent.Trusted)
			row.AgentPrivilege = agent.Privilege
			row.HostArchitecture = agent.Architecture
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Query is a conjunctive filter. Every Equals entry must match the rendered
// column exactly, and every LinkFacts pair must be present in the row's facts.
type Query struct {
	Equals    map[string]string
	LinkFacts map[string]string
}

// LinkQuery builds the query used to score a candidate link: ability id,
// generalizable facts and executor platform.
func LinkQuery(link *schemas.Link, excludedPrefixes []string) Query {
	return Query{
		Equals: map[string]string{
			FeatureAbilityID:        link.AbilityID(),
			FeatureExecutorPlatform: link.Executor.Platform,
		},
		LinkFacts: GeneralizableFacts(link.Used, excludedPrefixes),
	}
}

// Matches reports whether the row satisfies the query.
func (q Query) Matches(r *Row) bool {
	for name, want := range q.Equals {
		have, ok := r.Feature(name)
		if !ok || have != want {
			return false
		}
	}
	for trait, want := range q.LinkFacts {
		if have, ok := r.LinkFacts[trait]; !ok || have != want {
			return false
		}
	}
	return true
}

// Filter returns the sub-matrix of rows matching q.
func (m *Matrix) Filter(q Query) *Matrix {
	out := &Matrix{}
	if m == nil {
		return out
	}
	for i := range m.Rows {
		if q.Matches(&m.Rows[i]) {
			out.Rows = append(out.Rows, m.Rows[i])
		}
	}
	return out
}

// Count returns the number of rows matching q.
func (m *Matrix) Count(q Query) int {
	if m == nil {
		return 0
	}
	return lo.CountBy(m.Rows, func(r Row) bool { return q.Matches(&r) })
}
