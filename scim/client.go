package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// MaxPageSize is the largest page Identity Center serves, and also the cap on
// members per membership PATCH.
const MaxPageSize = 100

// MaxMemberBatch is the provider's per-request cap on membership mutations.
const MaxMemberBatch = 100

// pagination loop guard, mirrors the provider's resource quota
const maxPages = 1000

// ClientConfig carries everything the transport needs. It is passed in
// explicitly; there is no process-wide client state.
type ClientConfig struct {
	// Endpoint is the SCIM base URL issued by Identity Center, e.g.
	// https://scim.us-east-1.amazonaws.com/<tenant>/scim/v2/
	Endpoint string
	// Token is the long-lived bearer token paired with the endpoint.
	Token string

	Timeout      time.Duration // per-request, default 30s
	PageSize     int           // default and max MaxPageSize
	MaxRetries   int           // retry budget for throttled/transient failures, default 3
	RetryBackoff time.Duration // initial backoff, doubled per attempt, default 500ms

	Logger zerolog.Logger
}

// Client talks SCIM to Identity Center, covering for its non-conformant
// corners: cursorless clients must page by startIndex/count, group PUT is
// rejected outright so every update is a partial PATCH, and membership
// changes are chunked at MaxMemberBatch per call.
type Client struct {
	baseUrl    string
	http       *http.Client
	log        zerolog.Logger
	pageSize   int
	maxRetries int
	backoff    time.Duration
}

// NewClient validates the configuration and builds a client. The bearer
// token is injected per request through an oauth2 static token source.
func NewClient(cfg ClientConfig) (c *Client, err error) {
	var base *url.URL
	if base, err = url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("scim endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" || base.Host == "" {
		return nil, fmt.Errorf("scim endpoint %q: not an absolute http(s) URL", cfg.Endpoint)
	}
	if cfg.Token == "" {
		return nil, errors.New("scim token is required")
	}

	var timeout = cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var pageSize = cfg.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	var retries = cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = 3
	}
	var backoff = cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var source = oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.Token,
		TokenType:   "Bearer",
	})
	c = &Client{
		baseUrl: cfg.Endpoint,
		http: &http.Client{
			Transport: &oauth2.Transport{Source: source},
			Timeout:   timeout,
		},
		log:        cfg.Logger,
		pageSize:   pageSize,
		maxRetries: retries,
		backoff:    backoff,
	}
	return
}

func (c *Client) composeUrl(paths ...string) (result string, err error) {
	return url.JoinPath(c.baseUrl, paths...)
}

// do issues one logical request, retrying throttled and transient failures
// with exponential backoff up to the retry budget. On success the response
// body, if any, is decoded into out.
func (c *Client) do(ctx context.Context, method string, ref string, query url.Values, payload any, out any) (err error) {
	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return
		}
	}
	var requestUrl = ref
	if len(query) > 0 {
		requestUrl += "?" + query.Encode()
	}

	var attempt = 0
	for {
		var rq *http.Request
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		if rq, err = http.NewRequestWithContext(ctx, method, requestUrl, reader); err != nil {
			return
		}
		if body != nil {
			rq.Header.Set("Content-Type", "application/scim+json")
		}
		rq.Header.Set("Accept", "application/scim+json, application/json")

		var started = time.Now()
		var rs *http.Response
		rs, err = c.http.Do(rq)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= c.maxRetries {
				return fmt.Errorf("%s %s: %w", method, ref, err)
			}
		} else {
			var data []byte
			data, err = io.ReadAll(rs.Body)
			_ = rs.Body.Close()
			if err != nil {
				return fmt.Errorf("%s %s: reading response: %w", method, ref, err)
			}
			c.log.Debug().
				Str("method", method).
				Str("url", ref).
				Int("status", rs.StatusCode).
				Dur("duration", time.Since(started)).
				Msg("scim request")
			if rs.StatusCode < 300 {
				if out != nil && len(data) > 0 {
					return json.Unmarshal(data, out)
				}
				return nil
			}
			err = parseError(method, ref, rs.StatusCode, data)
			if !(IsRateLimited(err) || IsTransient(err)) || attempt >= c.maxRetries {
				return err
			}
		}

		attempt++
		var delay = c.backoff << (attempt - 1)
		c.log.Warn().
			Str("method", method).
			Str("url", ref).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("retrying scim request")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type listResponse struct {
	TotalResults int               `json:"totalResults"`
	ItemsPerPage int               `json:"itemsPerPage"`
	StartIndex   int               `json:"startIndex"`
	Resources    []json.RawMessage `json:"Resources"`
}

// listResources walks a collection page by page, invoking cb for every raw
// resource. Iteration is lazy: pages are fetched as consumed, and a non-nil
// error from cb stops the walk. Calling again restarts from the first page.
func (c *Client) listResources(ctx context.Context, resourceType string, filter Filter, cb func(json.RawMessage) error) (err error) {
	var ref string
	if ref, err = c.composeUrl(resourceType); err != nil {
		return
	}

	var startIndex = 1
	for page := 0; ; page++ {
		if page >= maxPages {
			return fmt.Errorf("list %s: page limit exceeded", resourceType)
		}
		var query = url.Values{}
		query.Set("startIndex", strconv.Itoa(startIndex))
		query.Set("count", strconv.Itoa(c.pageSize))
		if !filter.IsZero() {
			query.Set("filter", filter.String())
		}

		var rsp listResponse
		if err = c.do(ctx, http.MethodGet, ref, query, nil, &rsp); err != nil {
			return
		}
		for _, raw := range rsp.Resources {
			if err = cb(raw); err != nil {
				return
			}
		}
		if len(rsp.Resources) == 0 {
			return
		}
		var served = rsp.ItemsPerPage
		if served == 0 {
			served = len(rsp.Resources)
		}
		var next = rsp.StartIndex
		if next == 0 {
			next = startIndex
		}
		next += served
		if next > rsp.TotalResults {
			return
		}
		startIndex = next
	}
}

// errStopIteration is used internally to break out of a list walk early.
var errStopIteration = errors.New("stop iteration")

// ListUsers streams users matching the filter. Pass a zero Filter to list
// everything.
func (c *Client) ListUsers(ctx context.Context, filter Filter, cb func(*User) error) error {
	return c.listResources(ctx, "Users", filter, func(raw json.RawMessage) error {
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("decoding user: %w", err)
		}
		return cb(&u)
	})
}

// GetAllUsers collects the full, possibly filtered user list.
func (c *Client) GetAllUsers(ctx context.Context, filter Filter) (users []*User, err error) {
	err = c.ListUsers(ctx, filter, func(u *User) error {
		users = append(users, u)
		return nil
	})
	return
}

func (c *Client) GetUser(ctx context.Context, userId string) (user *User, err error) {
	var ref string
	if ref, err = c.composeUrl("Users", userId); err != nil {
		return
	}
	user = new(User)
	if err = c.do(ctx, http.MethodGet, ref, nil, nil, user); err != nil {
		user = nil
	}
	return
}

// FindUserByUserName resolves a natural key to a user, or nil when absent.
func (c *Client) FindUserByUserName(ctx context.Context, userName string) (user *User, err error) {
	err = c.ListUsers(ctx, ByUserName(userName), func(u *User) error {
		user = u
		return errStopIteration
	})
	if errors.Is(err, errStopIteration) {
		err = nil
	}
	return
}

// FindUserByExternalId resolves an externalId to a user, or nil when absent.
func (c *Client) FindUserByExternalId(ctx context.Context, externalId string) (user *User, err error) {
	err = c.ListUsers(ctx, ByExternalId(externalId), func(u *User) error {
		user = u
		return errStopIteration
	})
	if errors.Is(err, errStopIteration) {
		err = nil
	}
	return
}

func (c *Client) CreateUser(ctx context.Context, u *User) (created *User, err error) {
	var ref string
	if ref, err = c.composeUrl("Users"); err != nil {
		return
	}
	created = new(User)
	if err = c.do(ctx, http.MethodPost, ref, nil, u.forCreate(), created); err != nil {
		created = nil
	}
	return
}

// UpdateUser applies the desired user state as a partial PATCH of replace
// operations, one per wire attribute. A full PUT is deliberately avoided:
// the service requires the opaque id echoed in a PUT body for users and
// rejects PUT for groups entirely, so PATCH is the one uniform update path.
func (c *Client) UpdateUser(ctx context.Context, userId string, desired *User) (err error) {
	var wire map[string]any
	if wire, err = wireMap(desired); err != nil {
		return
	}
	var ops []PatchOperation
	for _, field := range sortedKeys(wire) {
		ops = append(ops, PatchOperation{Op: PatchReplace, Path: field, Value: wire[field]})
	}
	return c.PatchUser(ctx, userId, ops)
}

func (c *Client) PatchUser(ctx context.Context, userId string, ops []PatchOperation) (err error) {
	var ref string
	if ref, err = c.composeUrl("Users", userId); err != nil {
		return
	}
	return c.do(ctx, http.MethodPatch, ref, nil, newPatchRequest(ops), nil)
}

func (c *Client) DeleteUser(ctx context.Context, userId string) (err error) {
	var ref string
	if ref, err = c.composeUrl("Users", userId); err != nil {
		return
	}
	return c.do(ctx, http.MethodDelete, ref, nil, nil, nil)
}

// ListGroups streams groups matching the filter. Returned groups carry no
// members regardless of the filter; see the membership resolver.
func (c *Client) ListGroups(ctx context.Context, filter Filter, cb func(*Group) error) error {
	return c.listResources(ctx, "Groups", filter, func(raw json.RawMessage) error {
		var g Group
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("decoding group: %w", err)
		}
		return cb(&g)
	})
}

func (c *Client) GetAllGroups(ctx context.Context, filter Filter) (groups []*Group, err error) {
	err = c.ListGroups(ctx, filter, func(g *Group) error {
		groups = append(groups, g)
		return nil
	})
	return
}

// FindGroupByName resolves a natural key to a group, or nil when absent.
func (c *Client) FindGroupByName(ctx context.Context, displayName string) (group *Group, err error) {
	err = c.ListGroups(ctx, ByDisplayName(displayName), func(g *Group) error {
		group = g
		return errStopIteration
	})
	if errors.Is(err, errStopIteration) {
		err = nil
	}
	return
}

func (c *Client) CreateGroup(ctx context.Context, g *Group) (created *Group, err error) {
	var ref string
	if ref, err = c.composeUrl("Groups"); err != nil {
		return
	}
	created = new(Group)
	if err = c.do(ctx, http.MethodPost, ref, nil, g.forCreate(), created); err != nil {
		created = nil
	}
	return
}

func (c *Client) PatchGroup(ctx context.Context, groupId string, ops []PatchOperation) (err error) {
	var ref string
	if ref, err = c.composeUrl("Groups", groupId); err != nil {
		return
	}
	return c.do(ctx, http.MethodPatch, ref, nil, newPatchRequest(ops), nil)
}

func (c *Client) DeleteGroup(ctx context.Context, groupId string) (err error) {
	var ref string
	if ref, err = c.composeUrl("Groups", groupId); err != nil {
		return
	}
	return c.do(ctx, http.MethodDelete, ref, nil, nil, nil)
}

// AddGroupMembers adds the given user ids to a group, partitioned into
// chunks of at most MaxMemberBatch per PATCH. A zero-size input issues no
// request at all: the service rejects an empty membership mutation. Chunks
// run in order; a credential failure stops further chunks, while other
// failures are recorded and the remaining chunks still run. The returned
// error joins every failed chunk's error.
func (c *Client) AddGroupMembers(ctx context.Context, groupId string, userIds []string) error {
	return c.mutateMembers(ctx, groupId, userIds, func(chunk []string) []PatchOperation {
		var members = make([]Member, 0, len(chunk))
		for _, id := range chunk {
			members = append(members, Member{Value: id})
		}
		return []PatchOperation{{Op: PatchAdd, Path: "members", Value: members}}
	})
}

// RemoveGroupMembers removes the given user ids from a group. Identity
// Center has no multi-member remove value, so each member becomes its own
// remove operation, capped at MaxMemberBatch operations per PATCH.
func (c *Client) RemoveGroupMembers(ctx context.Context, groupId string, userIds []string) error {
	return c.mutateMembers(ctx, groupId, userIds, func(chunk []string) []PatchOperation {
		var ops = make([]PatchOperation, 0, len(chunk))
		for _, id := range chunk {
			ops = append(ops, PatchOperation{
				Op:   PatchRemove,
				Path: fmt.Sprintf(`members[value eq "%s"]`, escapeLiteral(id)),
			})
		}
		return ops
	})
}

func (c *Client) mutateMembers(ctx context.Context, groupId string, userIds []string, build func([]string) []PatchOperation) error {
	if len(userIds) == 0 {
		return nil
	}
	var errs []error
	for start := 0; start < len(userIds); start += MaxMemberBatch {
		var end = start + MaxMemberBatch
		if end > len(userIds) {
			end = len(userIds)
		}
		var chunk = userIds[start:end]
		if err := c.PatchGroup(ctx, groupId, build(chunk)); err != nil {
			errs = append(errs, fmt.Errorf("members %d..%d: %w", start, end-1, err))
			if IsFatal(err) || ctx.Err() != nil {
				break
			}
			continue
		}
	}
	return errors.Join(errs...)
}

// UserGroups returns the groups containing the given user id, via a
// members.value equality filter. This is the targeted membership strategy.
func (c *Client) UserGroups(ctx context.Context, userId string) ([]*Group, error) {
	return c.GetAllGroups(ctx, ByMember(userId))
}

// IsUserInGroup tests a single membership. The service rejects a filter
// combining id with members.value, so this checks the user's group list.
func (c *Client) IsUserInGroup(ctx context.Context, groupId string, userId string) (ok bool, err error) {
	var groups []*Group
	if groups, err = c.UserGroups(ctx, userId); err != nil {
		return
	}
	for _, g := range groups {
		if g.Id == groupId {
			return true, nil
		}
	}
	return
}

func sortedKeys(m map[string]any) (keys []string) {
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return
}
