package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/jief123/aws-idc-scim/scim"
)

// GroupSpec is a desired group together with its intended membership. The
// members are natural keys (userNames); the engine resolves them to opaque
// ids before any membership mutation.
type GroupSpec struct {
	Group   *scim.Group `json:"group"`
	Members []string    `json:"members"`
}

// Scope limits a run to one entity type. A group-scoped run still reads the
// actual user snapshot (membership resolution needs it) but never mutates
// users; a user-scoped run skips groups entirely.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeUsers
	ScopeGroups
)

// Request is one reconciliation invocation: the desired snapshot, a policy
// and a mode. The caller owns the desired snapshot; the engine never mutates
// it.
type Request struct {
	Users  []*scim.User
	Groups []GroupSpec
	Policy Policy
	Mode   Mode
	Scope  Scope
}

// Engine pushes a desired snapshot into the directory. A run fetches the
// actual state fresh, reconciles users first and groups after (membership
// references depend on user existence), and returns one Result per natural
// key considered. Entity-scoped failures become error Results; only
// credential/endpoint failures abort the run.
type Engine struct {
	client   *scim.Client
	resolver *Resolver
	log      zerolog.Logger
}

func NewEngine(client *scim.Client, log zerolog.Logger) *Engine {
	return &Engine{
		client:   client,
		resolver: NewResolver(client, log),
		log:      log,
	}
}

// Run executes one reconciliation. The returned report is complete for
// everything considered up to the point of return; when err is non-nil the
// run was aborted (bad credentials, lost endpoint, cancellation) and the
// report covers only what was already processed.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	var report = &Report{Policy: req.Policy.String(), Mode: req.Mode.String()}
	var apply = req.Mode != ModeSimulate

	e.log.Info().
		Str("policy", req.Policy.String()).
		Str("mode", req.Mode.String()).
		Int("users", len(req.Users)).
		Int("groups", len(req.Groups)).
		Msg("reconciliation start")

	st, err := e.reconcileUsers(ctx, req, report, apply)
	if err == nil && req.Scope != ScopeUsers {
		err = e.reconcileGroups(ctx, req, report, apply, st)
	}
	report.summarize()
	if err != nil {
		return report, err
	}

	e.log.Info().
		Int("created", report.Summary.Created).
		Int("updated", report.Summary.Updated).
		Int("deleted", report.Summary.Deleted).
		Int("unchanged", report.Summary.Unchanged).
		Int("errors", report.Summary.Errors).
		Msg("reconciliation done")
	return report, nil
}

// runState carries the user-phase outcome the group phase depends on.
type runState struct {
	actualUsers []*scim.User
	// userIds maps every resolvable userName to its opaque id. Users created
	// during a simulated run are present with an empty id.
	userIds    map[string]string
	nameById   map[string]string
	deletedIds Set
}

func (e *Engine) reconcileUsers(ctx context.Context, req Request, report *Report, apply bool) (st *runState, err error) {
	st = &runState{
		userIds:    make(map[string]string),
		nameById:   make(map[string]string),
		deletedIds: NewSet(),
	}
	if st.actualUsers, err = e.client.GetAllUsers(ctx, scim.Filter{}); err != nil {
		return st, fmt.Errorf("fetching users: %w", err)
	}

	var actualByName = make(map[string]*scim.User, len(st.actualUsers))
	for _, u := range st.actualUsers {
		actualByName[u.UserName] = u
		st.userIds[u.UserName] = u.Id
		st.nameById[u.Id] = u.UserName
	}
	if req.Scope == ScopeGroups {
		// Group-scoped run: the actual snapshot above feeds membership
		// resolution, but users themselves are left untouched.
		return
	}

	var desiredNames = NewSet()
	for _, desired := range req.Users {
		if err = ctx.Err(); err != nil {
			return
		}
		var key = desired.UserName
		if desiredNames.Has(key) {
			report.add(Result{Kind: KindUser, Key: key, Action: ActionError,
				Detail: "duplicate userName in desired state"})
			continue
		}
		if verr := desired.Validate(); verr != nil {
			report.add(Result{Kind: KindUser, Key: key, Action: ActionError, Detail: verr.Error()})
			if key != "" {
				desiredNames.Add(key)
			}
			continue
		}
		desiredNames.Add(key)

		actual, exists := actualByName[key]
		if !exists {
			var res = Result{Kind: KindUser, Key: key, Action: ActionCreate}
			if apply {
				created, cerr := e.client.CreateUser(ctx, desired)
				if cerr != nil {
					if scim.IsFatal(cerr) {
						report.add(Result{Kind: KindUser, Key: key, Action: ActionError, Detail: cerr.Error()})
						err = cerr
						return
					}
					report.add(Result{Kind: KindUser, Key: key, Action: ActionError, Detail: cerr.Error()})
					continue
				}
				res.Id = created.Id
				st.userIds[key] = created.Id
				st.nameById[created.Id] = key
			} else {
				// Predicted creation: resolvable for membership, id pending.
				st.userIds[key] = ""
			}
			report.add(res)
			continue
		}

		fields, derr := scim.UserDiff(desired, actual)
		if derr != nil {
			report.add(Result{Kind: KindUser, Key: key, Action: ActionError, Detail: derr.Error()})
			continue
		}
		if len(fields) == 0 {
			report.add(Result{Kind: KindUser, Key: key, Id: actual.Id, Action: ActionNoop})
			continue
		}
		if apply {
			if uerr := e.client.UpdateUser(ctx, actual.Id, desired); uerr != nil {
				if scim.IsFatal(uerr) {
					report.add(Result{Kind: KindUser, Key: key, Action: ActionError, Detail: uerr.Error()})
					err = uerr
					return
				}
				report.add(Result{Kind: KindUser, Key: key, Id: actual.Id, Action: ActionError, Detail: uerr.Error()})
				continue
			}
		}
		report.add(Result{Kind: KindUser, Key: key, Id: actual.Id, Action: ActionUpdate, Fields: fields})
	}

	if req.Policy != PolicyFullDelete {
		return
	}
	// Stray users are only ever touched under full-delete.
	var strays []string
	for name := range actualByName {
		if !desiredNames.Has(name) {
			strays = append(strays, name)
		}
	}
	sort.Strings(strays)
	for _, name := range strays {
		if err = ctx.Err(); err != nil {
			return
		}
		var actual = actualByName[name]
		if apply {
			if derr := e.client.DeleteUser(ctx, actual.Id); derr != nil {
				if scim.IsFatal(derr) {
					report.add(Result{Kind: KindUser, Key: name, Id: actual.Id, Action: ActionError, Detail: derr.Error()})
					err = derr
					return
				}
				report.add(Result{Kind: KindUser, Key: name, Id: actual.Id, Action: ActionError, Detail: derr.Error()})
				continue
			}
		}
		st.deletedIds.Add(actual.Id)
		delete(st.userIds, name)
		report.add(Result{Kind: KindUser, Key: name, Id: actual.Id, Action: ActionDelete})
	}
	return
}

func (e *Engine) reconcileGroups(ctx context.Context, req Request, report *Report, apply bool, st *runState) (err error) {
	var actualGroups []*scim.Group
	if actualGroups, err = e.client.GetAllGroups(ctx, scim.Filter{}); err != nil {
		return fmt.Errorf("fetching groups: %w", err)
	}
	var actualByName = make(map[string]*scim.Group, len(actualGroups))
	for _, g := range actualGroups {
		actualByName[g.DisplayName] = g
	}

	// Split desired groups into creates and membership updates up front:
	// every create is applied before any membership update begins.
	var creates, updates []GroupSpec
	var desiredNames = NewSet()
	for _, spec := range req.Groups {
		var key = spec.Group.DisplayName
		if desiredNames.Has(key) {
			report.add(Result{Kind: KindGroup, Key: key, Action: ActionError,
				Detail: "duplicate displayName in desired state"})
			continue
		}
		if verr := spec.Group.Validate(); verr != nil {
			report.add(Result{Kind: KindGroup, Key: key, Action: ActionError, Detail: verr.Error()})
			continue
		}
		desiredNames.Add(key)
		if _, exists := actualByName[key]; exists {
			updates = append(updates, spec)
		} else {
			creates = append(creates, spec)
		}
	}

	for _, spec := range creates {
		if err = ctx.Err(); err != nil {
			return
		}
		if gerr := e.createGroup(ctx, spec, report, apply, st); gerr != nil {
			return gerr
		}
	}

	// The exhaustive membership scan is amortized once over all groups that
	// need a diff, never repeated per group.
	var currentMembers map[string]Set
	if len(updates) > 0 {
		if currentMembers, err = e.resolver.Snapshot(ctx, st.actualUsers); err != nil {
			return fmt.Errorf("resolving membership: %w", err)
		}
	}
	for _, spec := range updates {
		if err = ctx.Err(); err != nil {
			return
		}
		var actual = actualByName[spec.Group.DisplayName]
		if gerr := e.updateGroupMembers(ctx, spec, actual, currentMembers[actual.Id], report, apply, st, req.Policy); gerr != nil {
			return gerr
		}
	}

	if req.Policy != PolicyFullDelete {
		return nil
	}
	// Group deletes run last: a group about to go away is never also mutated.
	var strays []string
	for name := range actualByName {
		if !desiredNames.Has(name) {
			strays = append(strays, name)
		}
	}
	sort.Strings(strays)
	for _, name := range strays {
		if err = ctx.Err(); err != nil {
			return
		}
		var actual = actualByName[name]
		if apply {
			if derr := e.client.DeleteGroup(ctx, actual.Id); derr != nil {
				if scim.IsFatal(derr) {
					report.add(Result{Kind: KindGroup, Key: name, Id: actual.Id, Action: ActionError, Detail: derr.Error()})
					return derr
				}
				report.add(Result{Kind: KindGroup, Key: name, Id: actual.Id, Action: ActionError, Detail: derr.Error()})
				continue
			}
		}
		report.add(Result{Kind: KindGroup, Key: name, Id: actual.Id, Action: ActionDelete})
	}
	return nil
}

// resolveMembers maps desired member userNames to opaque ids. A userName
// resolvable neither from the actual snapshot nor from this run's creations
// is a hard error for the whole group.
func (e *Engine) resolveMembers(spec GroupSpec, st *runState) (changes []MemberChange, err error) {
	var seen = NewSet()
	for _, name := range spec.Members {
		if seen.Has(name) {
			continue
		}
		seen.Add(name)
		id, ok := st.userIds[name]
		if !ok {
			return nil, fmt.Errorf("member %q: no such user in desired or actual state", name)
		}
		changes = append(changes, MemberChange{Id: id, UserName: name})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].UserName < changes[j].UserName })
	return
}

func (e *Engine) createGroup(ctx context.Context, spec GroupSpec, report *Report, apply bool, st *runState) (err error) {
	var key = spec.Group.DisplayName
	members, rerr := e.resolveMembers(spec, st)
	if rerr != nil {
		report.add(Result{Kind: KindGroup, Key: key, Action: ActionError, Detail: rerr.Error()})
		return nil
	}
	var res = Result{Kind: KindGroup, Key: key, Action: ActionCreate, Added: members}
	if apply {
		created, cerr := e.client.CreateGroup(ctx, spec.Group)
		if cerr != nil {
			report.add(Result{Kind: KindGroup, Key: key, Action: ActionError, Detail: cerr.Error()})
			if scim.IsFatal(cerr) {
				return cerr
			}
			return nil
		}
		res.Id = created.Id
		var ids = make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.Id)
		}
		if merr := e.client.AddGroupMembers(ctx, created.Id, ids); merr != nil {
			report.add(Result{Kind: KindGroup, Key: key, Id: created.Id, Action: ActionError,
				Detail: fmt.Sprintf("created, but membership failed: %v", merr)})
			if scim.IsFatal(merr) {
				return merr
			}
			return nil
		}
	}
	report.add(res)
	return nil
}

func (e *Engine) updateGroupMembers(ctx context.Context, spec GroupSpec, actual *scim.Group, current Set, report *Report, apply bool, st *runState, policy Policy) (err error) {
	var key = spec.Group.DisplayName
	desired, rerr := e.resolveMembers(spec, st)
	if rerr != nil {
		report.add(Result{Kind: KindGroup, Key: key, Id: actual.Id, Action: ActionError, Detail: rerr.Error()})
		return nil
	}

	// Diff on the userName domain so simulate and apply classify pending
	// creations identically.
	var desiredNames = NewSet()
	var idByName = make(map[string]string, len(desired))
	for _, m := range desired {
		desiredNames.Add(m.UserName)
		idByName[m.UserName] = m.Id
	}
	var currentNames = NewSet()
	var currentIdByName = make(map[string]string)
	for id := range current {
		if st.deletedIds.Has(id) {
			continue
		}
		name, ok := st.nameById[id]
		if !ok {
			name = id
		}
		currentNames.Add(name)
		currentIdByName[name] = id
	}

	var added []MemberChange
	for _, name := range desiredNames.Minus(currentNames) {
		added = append(added, MemberChange{Id: idByName[name], UserName: name})
	}
	var removed []MemberChange
	if policy != PolicyIncremental {
		for _, name := range currentNames.Minus(desiredNames) {
			removed = append(removed, MemberChange{Id: currentIdByName[name], UserName: name})
		}
	}

	if len(added) == 0 && len(removed) == 0 {
		report.add(Result{Kind: KindGroup, Key: key, Id: actual.Id, Action: ActionNoop})
		return nil
	}

	if apply {
		// Adds and removes for one group run in a fixed sequence, adds first.
		var addIds = make([]string, 0, len(added))
		for _, m := range added {
			addIds = append(addIds, m.Id)
		}
		if merr := e.client.AddGroupMembers(ctx, actual.Id, addIds); merr != nil {
			report.add(Result{Kind: KindGroup, Key: key, Id: actual.Id, Action: ActionError,
				Detail: fmt.Sprintf("adding members: %v", merr)})
			if scim.IsFatal(merr) {
				return merr
			}
			return nil
		}
		var removeIds = make([]string, 0, len(removed))
		for _, m := range removed {
			removeIds = append(removeIds, m.Id)
		}
		if merr := e.client.RemoveGroupMembers(ctx, actual.Id, removeIds); merr != nil {
			report.add(Result{Kind: KindGroup, Key: key, Id: actual.Id, Action: ActionError,
				Detail: fmt.Sprintf("removing members: %v", merr)})
			if scim.IsFatal(merr) {
				return merr
			}
			return nil
		}
	}
	report.add(Result{Kind: KindGroup, Key: key, Id: actual.Id, Action: ActionUpdate,
		Added: added, Removed: removed})
	return nil
}
