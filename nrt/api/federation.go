package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"nostr-relay-tray/nrt/core/federation"
)

/******** hub ********/

func (s *Server) hubStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.App.HubStatus(c.Request.Context()))
}

// POST /api/hub/connect {url?}; the stored URL is used when url is empty.
// The response carries the connect result, failures included.
func (s *Server) hubConnect(c *gin.Context) {
	var in struct {
		URL string `json:"url"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&in); err != nil {
			badRequest(c, "bad json")
			return
		}
	}
	c.JSON(http.StatusOK, s.App.HubConnect(c.Request.Context(), in.URL))
}

func (s *Server) hubDisconnect(c *gin.Context) {
	s.App.HubDisconnect()
	c.JSON(http.StatusOK, s.App.HubStatus(c.Request.Context()))
}

func (s *Server) setHubURL(c *gin.Context) {
	var in struct {
		URL string `json:"url"`
	}
	if err := c.BindJSON(&in); err != nil {
		badRequest(c, "bad json")
		return
	}
	if err := s.App.SetHubURL(in.URL); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.App.HubStatus(c.Request.Context()))
}

/******** proxy ********/

func (s *Server) proxyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.App.ProxyStatus(c.Request.Context()))
}

func (s *Server) proxyConnect(c *gin.Context) {
	c.JSON(http.StatusOK, s.App.ProxyConnect(c.Request.Context()))
}

func (s *Server) proxyDisconnect(c *gin.Context) {
	s.App.ProxyDisconnect()
	c.JSON(http.StatusOK, s.App.ProxyStatus(c.Request.Context()))
}

/******** status stream ********/

const keepAlive = 25 * time.Second

// GET /api/status/stream sends the current link states, then every
// transition in order, as server-sent "status" events.
func (s *Server) statusStream(c *gin.Context) {
	ch, cancel := s.App.Status.Subscribe()
	defer cancel()

	now := time.Now()
	c.SSEvent("status", federation.StatusEvent{Link: federation.LinkHub, State: s.App.Federation.HubStatus(), At: now})
	c.SSEvent("status", federation.StatusEvent{Link: federation.LinkProxy, State: s.App.Federation.ProxyStatus(), At: now})
	c.Writer.Flush()

	tick := time.NewTicker(keepAlive)
	defer tick.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("status", ev)
			return true
		case <-tick.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
