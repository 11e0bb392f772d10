package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// registerStatic serves the bundled frontend from cfg.StaticDir: /assets from
// the assets subdirectory, existing files by path, and index.html for every
// other GET so client-side routing works.
func (h *Handler) registerStatic(router *gin.Engine) {
	dir := h.cfg.StaticDir
	router.Static("/assets", filepath.Join(dir, "assets"))

	index := filepath.Join(dir, "index.html")
	router.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			apiError(c, http.StatusNotFound, "not found")
			return
		}
		rel := filepath.Clean("/" + c.Request.URL.Path)
		if rel != "/" && !strings.HasPrefix(rel, "/api/") {
			candidate := filepath.Join(dir, rel)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				c.File(candidate)
				return
			}
		}
		c.File(index)
	})
}
