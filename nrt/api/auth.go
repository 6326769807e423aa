package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"nostr-relay-tray/nrt/app"
)

/******** JWT / Claims ********/

const adminSubject = "admin"

type Claims struct {
	jwt.RegisteredClaims
}

func (s *Server) makeToken() (string, error) {
	ttl := s.App.Cfg.Admin.TokenTTL
	if ttl <= 0 {
		ttl = 1440
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttl) * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) parseToken(tk string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tk, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || c.Subject != adminSubject {
		return nil, errors.New("invalid token")
	}
	return c, nil
}

/******** Middlewares ********/

// AuthRequired parses Authorization: Bearer <token>. The status stream may
// pass the token as ?token= since EventSource cannot set headers.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tk := ""
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			tk = strings.TrimSpace(auth[7:])
		} else if c.FullPath() == "/api/status/stream" {
			tk = c.Query("token")
		}
		if tk == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if _, err := s.parseToken(tk); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

/******** Handlers: /login /me/password ********/

// POST /api/login  {password}
func (s *Server) login(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Password == "" {
		badRequest(c, "password required")
		return
	}

	ip := c.ClientIP()
	if ok, retry := s.App.Guard.Allow(ip); !ok {
		if retry > 0 {
			c.Header("Retry-After", fmt.Sprintf("%.0f", retry.Seconds()))
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many attempts, try later"})
		return
	}

	err := s.App.CheckAdminPassword(c.Request.Context(), req.Password)
	switch {
	case errors.Is(err, app.ErrPasswordNotSet):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case errors.Is(err, app.ErrBadPassword):
		s.App.Guard.Fail(ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Login failed, please check the password"})
		return
	case err != nil:
		fail(c, err)
		return
	}

	tk, err := s.makeToken()
	if err != nil {
		fail(c, err)
		return
	}
	s.App.Guard.Success(ip)
	c.JSON(http.StatusOK, gin.H{"token": tk})
}

// PUT /api/me/password
// Body: { "old_password": "xxx", "new_password": "yyy", "confirm": "yyy" }
func (s *Server) changePassword(c *gin.Context) {
	var r struct {
		Old string `json:"old_password"`
		New string `json:"new_password"`
		Con string `json:"confirm"`
	}
	if err := c.BindJSON(&r); err != nil {
		badRequest(c, "bad request")
		return
	}
	if r.Old == "" || r.New == "" || r.Con == "" {
		badRequest(c, "Password cannot be empty")
		return
	}
	if r.New != r.Con {
		badRequest(c, "New passwords do not match")
		return
	}
	err := s.App.ChangeAdminPassword(c.Request.Context(), r.Old, r.New)
	if errors.Is(err, app.ErrBadPassword) {
		badRequest(c, "Incorrect old password")
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
