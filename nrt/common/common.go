package common

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func GetPage(c *gin.Context) (page, size int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ = strconv.Atoi(c.DefaultQuery("size", "10"))
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 10
	}
	return
}

// ParseID reads a positive integer path parameter.
func ParseID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ReadPEMorFile accepts inline PEM or a path to a PEM file.
func ReadPEMorFile(s string) ([]byte, error) {
	if looksLikePEM(s) {
		return []byte(s), nil
	}
	return os.ReadFile(filepath.Clean(s))
}

func looksLikePEM(s string) bool {
	return strings.Contains(s, "-----BEGIN ")
}

// ParseGuardList splits a comma separated host pattern list; "" disables.
func ParseGuardList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func MatchAnyHostPattern(host string, patterns []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, pat := range patterns {
		if wildcardMatch(host, pat) {
			return true
		}
	}
	return false
}

// only the "*.example.com" form is a wildcard
func wildcardMatch(host, pattern string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := strings.TrimPrefix(pattern, "*.")
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}
