package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"nostr-relay-tray/nrt/app"
	"nostr-relay-tray/nrt/common/logx"
)

var log = logx.New(logx.WithPrefix("api"))

type Server struct {
	App *app.App

	secret []byte
	sys    *SysMonitor
	sf     singleflight.Group
}

func New(a *app.App) (*Server, error) {
	secret, err := a.JWTSecret(context.Background())
	if err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}
	return &Server{App: a, secret: secret, sys: NewSysMonitor()}, nil
}

// fail maps control-plane errors to responses.
func fail(c *gin.Context, err error) {
	var ve *app.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "fields": ve.Fields})
	case errors.Is(err, app.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
