package sync

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jief123/aws-idc-scim/scim"
)

// Resolver derives group membership, which Identity Center never returns on
// group reads. The targeted strategy answers one user's memberships with a
// single filtered query; the exhaustive strategy answers every group's
// membership from one pass over all users.
type Resolver struct {
	client *scim.Client
	log    zerolog.Logger
}

func NewResolver(client *scim.Client, log zerolog.Logger) *Resolver {
	return &Resolver{client: client, log: log}
}

// UserGroups returns the set of group ids containing the user.
func (r *Resolver) UserGroups(ctx context.Context, userId string) (groupIds Set, err error) {
	var groups []*scim.Group
	if groups, err = r.client.UserGroups(ctx, userId); err != nil {
		return
	}
	groupIds = NewSet()
	for _, g := range groups {
		groupIds.Add(g.Id)
	}
	return
}

// IsUserInGroup tests a single membership with one filtered query.
func (r *Resolver) IsUserInGroup(ctx context.Context, groupId string, userId string) (bool, error) {
	return r.client.IsUserInGroup(ctx, groupId, userId)
}

// Snapshot inverts every user's group references into a groupId -> member-id
// map, one filtered query per user. This is O(total users) once, regardless
// of how many groups' memberships the caller needs; callers wanting several
// groups resolved must use this instead of repeating per-group scans.
func (r *Resolver) Snapshot(ctx context.Context, users []*scim.User) (members map[string]Set, err error) {
	members = make(map[string]Set)
	for _, u := range users {
		if u.Id == "" {
			continue
		}
		if err = ctx.Err(); err != nil {
			return
		}
		var groupIds Set
		if groupIds, err = r.UserGroups(ctx, u.Id); err != nil {
			return
		}
		for gid := range groupIds {
			if members[gid] == nil {
				members[gid] = NewSet()
			}
			members[gid].Add(u.Id)
		}
	}
	r.log.Debug().Int("users", len(users)).Int("groups", len(members)).Msg("membership snapshot")
	return
}

// GroupMembers resolves one group's member ids through a full user scan.
// Prefer Snapshot when more than one group is needed.
func (r *Resolver) GroupMembers(ctx context.Context, groupId string) (memberIds Set, err error) {
	memberIds = NewSet()
	err = r.client.ListUsers(ctx, scim.Filter{}, func(u *scim.User) error {
		if u.Id == "" {
			return nil
		}
		ok, err := r.IsUserInGroup(ctx, groupId, u.Id)
		if err != nil {
			return err
		}
		if ok {
			memberIds.Add(u.Id)
		}
		return nil
	})
	if err != nil {
		memberIds = nil
	}
	return
}
