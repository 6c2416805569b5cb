package schemas

import "time"

// -- Operation Record Schemas --

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	OperationRunning  OperationState = "running"
	OperationFinished OperationState = "finished"
)

// OperationRecord is the persisted view of an operation, as returned by the
// history service.
type OperationRecord struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Planner    string         `json:"planner" yaml:"planner"`
	Obfuscator string         `json:"obfuscator,omitempty" yaml:"obfuscator,omitempty"`
	Adversary  Adversary      `json:"adversary" yaml:"adversary"`
	Agents     []Agent        `json:"agents" yaml:"agents"`
	Chain      []Link         `json:"chain" yaml:"chain"`
	Visibility int            `json:"visibility" yaml:"visibility"`
	State      OperationState `json:"state" yaml:"state"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}
