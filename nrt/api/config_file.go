package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"nostr-relay-tray/nrt/common/config"
)

var cfgMu sync.Mutex

func fileETag(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// GET /api/config
// -> { content, etag, mtime, path }
func (s *Server) ConfigRead(c *gin.Context) {
	p := s.App.CfgPath
	if strings.TrimSpace(p) == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "running without a config file"})
		return
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		c.JSON(http.StatusOK, gin.H{"content": "", "etag": "", "path": p})
		return
	}
	if err != nil {
		fail(c, fmt.Errorf("read config: %w", err))
		return
	}
	out := gin.H{"content": string(b), "etag": fileETag(b), "path": p}
	if st, err := os.Stat(p); err == nil {
		out["mtime"] = st.ModTime().Format(time.DateTime)
	}
	c.JSON(http.StatusOK, out)
}

type cfgUpdateReq struct {
	Content string `json:"content"`
	ETag    string `json:"etag,omitempty"`
	Backup  *bool  `json:"backup,omitempty"`
}

// PUT /api/config { content, etag?, backup? } -> { ok, etag, backup_path? }
//
// The file is only written; the watcher picks up the logging level, other
// sections apply on restart.
func (s *Server) ConfigUpdate(c *gin.Context) {
	var in cfgUpdateReq
	if err := c.BindJSON(&in); err != nil {
		badRequest(c, "bad json")
		return
	}
	if strings.TrimSpace(in.Content) == "" {
		badRequest(c, "content required")
		return
	}
	if _, err := config.Parse([]byte(in.Content)); err != nil {
		badRequest(c, "invalid config: "+err.Error())
		return
	}
	p := s.App.CfgPath
	if strings.TrimSpace(p) == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "running without a config file"})
		return
	}

	cfgMu.Lock()
	defer cfgMu.Unlock()

	old, readErr := os.ReadFile(p)
	if in.ETag != "" && readErr == nil && fileETag(old) != in.ETag {
		c.JSON(http.StatusPreconditionFailed, gin.H{
			"error":    "etag_mismatch",
			"current":  string(old),
			"currETag": fileETag(old),
		})
		return
	}

	backupPath := ""
	if readErr == nil && (in.Backup == nil || *in.Backup) {
		backupPath = filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+".bak-"+time.Now().Format("20060102-150405"))
		if err := os.WriteFile(backupPath, old, 0o600); err != nil {
			log.Warnf("config backup: %v", err)
			backupPath = ""
		}
	}

	if err := atomicWrite(p, []byte(in.Content), 0o644); err != nil {
		fail(c, err)
		return
	}
	out := gin.H{"ok": true, "etag": fileETag([]byte(in.Content))}
	if backupPath != "" {
		out["backup_path"] = backupPath
	}
	c.JSON(http.StatusOK, out)
}

func atomicWrite(target string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := target + ".tmp-" + time.Now().Format("150405.000")
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomic replace: %w", err)
	}
	return nil
}
