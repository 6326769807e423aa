package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

/********** Router **********/
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	// relay websocket and information document share the root
	r.GET("/", s.relayRoot)
	if s.App.Cfg.Metrics.Prometheus {
		r.GET("/metrics", gin.WrapH(s.App.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		api.POST("/login", s.login)
	}

	auth := api.Group("/")
	auth.Use(s.AuthRequired())
	{
		auth.PUT("/me/password", s.changePassword)
		auth.GET("/systemInfo", s.systemInfo)

		auth.GET("/config", s.ConfigRead)
		auth.PUT("/config", s.ConfigUpdate)

		auth.GET("/rule", s.listRule)
		auth.GET("/rule/:id", s.getRule)
		auth.POST("/rule", s.createRule)
		auth.PUT("/rule/:id", s.updateRule)
		auth.DELETE("/rule/:id", s.deleteRule)
		auth.GET("/default-action", s.getDefaultAction)
		auth.PUT("/default-action", s.setDefaultAction)

		auth.GET("/pow", s.getPow)
		auth.PUT("/pow", s.setPow)

		auth.GET("/wot", s.getWot)
		auth.PUT("/wot/enabled", s.setWotEnabled)
		auth.PUT("/wot/trust-anchor", s.setWotTrustAnchor)
		auth.PUT("/wot/trust-depth", s.setWotTrustDepth)
		auth.PUT("/wot/refresh-interval", s.setWotRefreshInterval)
		auth.POST("/wot/refresh", s.refreshWot)
		auth.GET("/wot/membership/:pubkey", s.checkMembership)

		auth.GET("/hub", s.hubStatus)
		auth.POST("/hub/connect", s.hubConnect)
		auth.POST("/hub/disconnect", s.hubDisconnect)
		auth.PUT("/hub/url", s.setHubURL)

		auth.GET("/proxy", s.proxyStatus)
		auth.POST("/proxy/connect", s.proxyConnect)
		auth.POST("/proxy/disconnect", s.proxyDisconnect)

		auth.GET("/status/stream", s.statusStream)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "time": time.Now().UnixMilli()})
	})
	return r
}
