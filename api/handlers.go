package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jief123/aws-idc-scim/scim"
	"github.com/jief123/aws-idc-scim/sync"
)

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.client.GetAllUsers(c.Request.Context(), scim.Filter{})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalResults": len(users), "users": users})
}

func (s *Server) getUser(c *gin.Context) {
	user, err := s.client.FindUserByUserName(c.Request.Context(), c.Param("username"))
	if err != nil {
		fail(c, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) createUser(c *gin.Context) {
	var user scim.User
	if err := c.ShouldBindJSON(&user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := user.Validate(); err != nil {
		fail(c, err)
		return
	}
	created, err := s.client.CreateUser(c.Request.Context(), &user)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) updateUser(c *gin.Context) {
	var user scim.User
	if err := c.ShouldBindJSON(&user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user.UserName = c.Param("username")
	if err := user.Validate(); err != nil {
		fail(c, err)
		return
	}
	existing, err := s.client.FindUserByUserName(c.Request.Context(), user.UserName)
	if err != nil {
		fail(c, err)
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err = s.client.UpdateUser(c.Request.Context(), existing.Id, &user); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": existing.Id, "userName": user.UserName})
}

func (s *Server) deleteUser(c *gin.Context) {
	user, err := s.client.FindUserByUserName(c.Request.Context(), c.Param("username"))
	if err != nil {
		fail(c, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if err = s.client.DeleteUser(c.Request.Context(), user.Id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listGroups(c *gin.Context) {
	groups, err := s.client.GetAllGroups(c.Request.Context(), scim.Filter{})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"totalResults": len(groups), "groups": groups})
}

func (s *Server) createGroup(c *gin.Context) {
	var group scim.Group
	if err := c.ShouldBindJSON(&group); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := group.Validate(); err != nil {
		fail(c, err)
		return
	}
	created, err := s.client.CreateGroup(c.Request.Context(), &group)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) deleteGroup(c *gin.Context) {
	group, err := s.client.FindGroupByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	if group == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}
	if err = s.client.DeleteGroup(c.Request.Context(), group.Id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listMembers resolves the group's membership through the exhaustive user
// scan, since the group read itself never carries members.
func (s *Server) listMembers(c *gin.Context) {
	var ctx = c.Request.Context()
	group, err := s.client.FindGroupByName(ctx, c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	if group == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}
	users, err := s.client.GetAllUsers(ctx, scim.Filter{})
	if err != nil {
		fail(c, err)
		return
	}
	snapshot, err := s.resolver.Snapshot(ctx, users)
	if err != nil {
		fail(c, err)
		return
	}
	var memberIds = snapshot[group.Id]
	var members = make([]*scim.User, 0, len(memberIds))
	for _, u := range users {
		if memberIds.Has(u.Id) {
			members = append(members, u)
		}
	}
	c.JSON(http.StatusOK, gin.H{"group": group.DisplayName, "totalResults": len(members), "members": members})
}

type memberRequest struct {
	UserName string `json:"userName" binding:"required"`
}

func (s *Server) addMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mutateMember(c, c.Param("name"), req.UserName, true)
}

func (s *Server) removeMember(c *gin.Context) {
	s.mutateMember(c, c.Param("name"), c.Param("username"), false)
}

func (s *Server) mutateMember(c *gin.Context, groupName string, userName string, add bool) {
	var ctx = c.Request.Context()
	group, err := s.client.FindGroupByName(ctx, groupName)
	if err != nil {
		fail(c, err)
		return
	}
	if group == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}
	user, err := s.client.FindUserByUserName(ctx, userName)
	if err != nil {
		fail(c, err)
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	if add {
		err = s.client.AddGroupMembers(ctx, group.Id, []string{user.Id})
	} else {
		err = s.client.RemoveGroupMembers(ctx, group.Id, []string{user.Id})
	}
	if err != nil {
		fail(c, err)
		return
	}
	var action = sync.ActionMemberRemove
	if add {
		action = sync.ActionMemberAdd
	}
	c.JSON(http.StatusOK, gin.H{
		"action":   action,
		"group":    group.DisplayName,
		"userName": user.UserName,
		"id":       user.Id,
	})
}

type syncRequest struct {
	Users  []*scim.User `json:"users"`
	Groups []groupInput `json:"groups"`
	Policy string       `json:"policy"`
	DryRun bool         `json:"dryRun"`
}

type groupInput struct {
	DisplayName string   `json:"displayName" binding:"required"`
	Members     []string `json:"members"`
}

func (s *Server) runSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var policy = sync.PolicyIncremental
	if req.Policy != "" {
		var err error
		if policy, err = sync.ParsePolicy(req.Policy); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	var mode = sync.ModeApply
	if req.DryRun {
		mode = sync.ModeSimulate
	}
	var groups = make([]sync.GroupSpec, 0, len(req.Groups))
	for _, g := range req.Groups {
		groups = append(groups, sync.GroupSpec{
			Group:   &scim.Group{DisplayName: g.DisplayName},
			Members: g.Members,
		})
	}
	report, err := s.engine.Run(c.Request.Context(), sync.Request{
		Users:  req.Users,
		Groups: groups,
		Policy: policy,
		Mode:   mode,
	})
	if err != nil {
		var status = http.StatusBadGateway
		var se *scim.Error
		if errors.As(err, &se) {
			status = se.Status
		}
		c.JSON(status, gin.H{"error": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}
