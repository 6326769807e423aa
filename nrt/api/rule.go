package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"nostr-relay-tray/nrt/common"
	"nostr-relay-tray/nrt/model"
)

// GET /api/rule?page=&size=
func (s *Server) listRule(c *gin.Context) {
	page, size := common.GetPage(c)
	list, total, err := s.App.FindRules(c.Request.Context(), page, size)
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []model.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"list": list, "total": total, "page": page, "size": size})
}

func (s *Server) getRule(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		badRequest(c, "bad id")
		return
	}
	r, err := s.App.FindRuleById(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) createRule(c *gin.Context) {
	var in model.NewRule
	if err := c.BindJSON(&in); err != nil {
		badRequest(c, "bad json")
		return
	}
	r, err := s.App.CreateRule(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": r.Id, "rule": r})
}

func (s *Server) updateRule(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		badRequest(c, "bad id")
		return
	}
	var in model.RuleUpdate
	if err := c.BindJSON(&in); err != nil {
		badRequest(c, "bad json")
		return
	}
	r, err := s.App.UpdateRule(c.Request.Context(), id, in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "rule": r})
}

func (s *Server) deleteRule(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		badRequest(c, "bad id")
		return
	}
	if err := s.App.DeleteRule(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

/******** default action & pow ********/

func (s *Server) getDefaultAction(c *gin.Context) {
	a, err := s.App.DefaultAction(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": a})
}

// PUT /api/default-action {action}
func (s *Server) setDefaultAction(c *gin.Context) {
	var in struct {
		Action string `json:"action"`
	}
	if err := c.BindJSON(&in); err != nil {
		badRequest(c, "bad json")
		return
	}
	if err := s.App.SetDefaultAction(c.Request.Context(), in.Action); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "action": in.Action})
}

func (s *Server) getPow(c *gin.Context) {
	n, err := s.App.PowDifficulty(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"difficulty": n})
}

// PUT /api/pow {difficulty}
func (s *Server) setPow(c *gin.Context) {
	var in struct {
		Difficulty *int `json:"difficulty"`
	}
	if err := c.BindJSON(&in); err != nil || in.Difficulty == nil {
		badRequest(c, "difficulty required")
		return
	}
	if err := s.App.SetPowDifficulty(c.Request.Context(), *in.Difficulty); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "difficulty": *in.Difficulty})
}
