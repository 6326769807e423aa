package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nostr-relay-tray/nrt/core/relay"
)

const nip11Type = "application/nostr+json"

// GET / upgrades to the relay websocket, serves the relay information
// document for Accept: application/nostr+json, and otherwise a short text.
func (s *Server) relayRoot(c *gin.Context) {
	r := c.Request
	switch {
	case strings.EqualFold(r.Header.Get("Upgrade"), "websocket"):
		relay.ServeWS(s.App.Ctx, c.Writer, r, s.App.Relay, s.App.Cfg.Relay.MaxPayload, s.App.Limits.Forget)
	case strings.Contains(r.Header.Get("Accept"), nip11Type):
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "*")
		c.Header("Access-Control-Allow-Methods", "GET")
		c.Header("Content-Type", nip11Type)
		c.JSON(http.StatusOK, s.App.Info)
	default:
		c.String(http.StatusOK, "Please use a Nostr client to connect.")
	}
}
