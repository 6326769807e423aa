package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) getWot(c *gin.Context) {
	c.JSON(http.StatusOK, s.App.WotStatus())
}

// PUT /api/wot/enabled {enabled}
func (s *Server) setWotEnabled(c *gin.Context) {
	var in struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BindJSON(&in); err != nil || in.Enabled == nil {
		badRequest(c, "enabled required")
		return
	}
	if err := s.App.SetWotEnabled(c.Request.Context(), *in.Enabled); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.App.WotStatus())
}

// PUT /api/wot/trust-anchor {trustAnchor}; "" clears it
func (s *Server) setWotTrustAnchor(c *gin.Context) {
	var in struct {
		TrustAnchor string `json:"trustAnchor"`
	}
	if err := c.BindJSON(&in); err != nil {
		badRequest(c, "bad json")
		return
	}
	if err := s.App.SetWotTrustAnchor(c.Request.Context(), in.TrustAnchor); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.App.WotStatus())
}

func (s *Server) setWotTrustDepth(c *gin.Context) {
	var in struct {
		TrustDepth int `json:"trustDepth"`
	}
	if err := c.BindJSON(&in); err != nil {
		badRequest(c, "bad json")
		return
	}
	if err := s.App.SetWotTrustDepth(c.Request.Context(), in.TrustDepth); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.App.WotStatus())
}

func (s *Server) setWotRefreshInterval(c *gin.Context) {
	var in struct {
		RefreshInterval int `json:"refreshInterval"`
	}
	if err := c.BindJSON(&in); err != nil {
		badRequest(c, "bad json")
		return
	}
	if err := s.App.SetWotRefreshInterval(c.Request.Context(), in.RefreshInterval); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.App.WotStatus())
}

// POST /api/wot/refresh runs a refresh in the request; a refresh that is
// already running is reported, not waited for.
func (s *Server) refreshWot(c *gin.Context) {
	ran, err := s.App.RefreshWot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ran": ran, "wot": s.App.WotStatus()})
}

// GET /api/wot/membership/:pubkey (npub or hex)
func (s *Server) checkMembership(c *gin.Context) {
	ok, err := s.App.CheckMembership(c.Request.Context(), c.Param("pubkey"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trusted": ok})
}
