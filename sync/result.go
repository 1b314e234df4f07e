package sync

import "fmt"

// Policy decides how far reconciliation may go beyond creates and updates.
type Policy int

const (
	// PolicyIncremental applies creates, updates and member additions only.
	PolicyIncremental Policy = iota
	// PolicyFull additionally removes members absent from the desired state.
	PolicyFull
	// PolicyFullDelete additionally deletes users and groups absent from the
	// desired state.
	PolicyFullDelete
)

func (p Policy) String() string {
	switch p {
	case PolicyIncremental:
		return "incremental"
	case PolicyFull:
		return "full"
	case PolicyFullDelete:
		return "full-delete"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps a CLI/API policy name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "incremental":
		return PolicyIncremental, nil
	case "full":
		return PolicyFull, nil
	case "full-delete":
		return PolicyFullDelete, nil
	}
	return 0, fmt.Errorf("unknown policy %q (want incremental, full or full-delete)", s)
}

// Mode gates mutations. Classification is computed identically either way;
// simulate just never issues a mutating call.
type Mode int

const (
	ModeApply Mode = iota
	ModeSimulate
)

func (m Mode) String() string {
	if m == ModeSimulate {
		return "simulate"
	}
	return "apply"
}

// ResourceKind tags a result as a user or group record.
type ResourceKind string

const (
	KindUser  ResourceKind = "user"
	KindGroup ResourceKind = "group"
)

// Action is the classification of one reconciled entity.
type Action string

const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionMemberAdd    Action = "member-add"
	ActionMemberRemove Action = "member-remove"
	ActionNoop         Action = "no-op"
	ActionError        Action = "error"
)

// MemberChange names one membership change by both opaque id and natural
// key. The id is empty when the member's user is itself being created in a
// simulated run and therefore has no id yet.
type MemberChange struct {
	Id       string `json:"id,omitempty"`
	UserName string `json:"userName"`
}

// Result is the outcome for one natural key. Every key considered by a run
// yields exactly one Result; nothing is silently dropped.
type Result struct {
	Kind    ResourceKind   `json:"kind"`
	Key     string         `json:"key"`
	Id      string         `json:"id,omitempty"`
	Action  Action         `json:"action"`
	Fields  []string       `json:"fields,omitempty"`
	Added   []MemberChange `json:"added,omitempty"`
	Removed []MemberChange `json:"removed,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// Summary aggregates a run's results.
type Summary struct {
	Created       int `json:"created"`
	Updated       int `json:"updated"`
	Deleted       int `json:"deleted"`
	Unchanged     int `json:"unchanged"`
	Errors        int `json:"errors"`
	MemberAdds    int `json:"memberAdds"`
	MemberRemoves int `json:"memberRemoves"`
}

// Report is the complete accounting of one reconciliation run.
type Report struct {
	Policy  string   `json:"policy"`
	Mode    string   `json:"mode"`
	Results []Result `json:"results"`
	Summary Summary  `json:"summary"`
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
}

func (r *Report) summarize() {
	var s Summary
	for _, res := range r.Results {
		switch res.Action {
		case ActionCreate:
			s.Created++
		case ActionUpdate:
			s.Updated++
		case ActionDelete:
			s.Deleted++
		case ActionNoop:
			s.Unchanged++
		case ActionError:
			s.Errors++
		case ActionMemberAdd, ActionMemberRemove:
			// counted below through the member lists
		}
		s.MemberAdds += len(res.Added)
		s.MemberRemoves += len(res.Removed)
	}
	r.Summary = s
}
