package downstairs

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewControlRouter builds the narrow HTTP control surface a Downstairs
// exposes alongside its binary data port: health and version only,
// never the block data path itself.
func NewControlRouter(store *Store) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/extents", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"versions": store.Versions()})
	})

	return r
}
