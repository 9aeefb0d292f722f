// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/kilorouter/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// forwardingHeaders mark a request that passed through a proxy. Such a
// request is never treated as local even when the peer is loopback.
var forwardingHeaders = []string{"X-Forwarded-For", "X-Real-IP", "Forwarded"}

// isDirectLocal reports whether the request comes straight from loopback.
func isDirectLocal(r *http.Request) bool {
	for _, h := range forwardingHeaders {
		if r.Header.Get(h) != "" {
			return false
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// presentedKey reads the management key from the Authorization bearer or the
// X-Management-Key header.
func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if key, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(key)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Management-Key"))
}

// managementAuth admits direct loopback clients, and remote clients only when
// remote access is enabled and they present the configured key.
func managementAuth(cfg config.ServerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isDirectLocal(c.Request) {
			c.Next()
			return
		}
		if !cfg.AllowRemote || cfg.SecretKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote management is disabled"})
			return
		}
		key := presentedKey(c.Request)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(cfg.SecretKey), []byte(key)); err != nil {
			log.WithField("remote", c.Request.RemoteAddr).Warn("rejected management request with an invalid key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

// requestLogger logs each request at debug level, and server errors at warn.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}
