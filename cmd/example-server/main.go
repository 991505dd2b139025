// example-server is a small gin app guarded by the admission middleware.
// Start it with a policy config, then hammer /echo to watch the
// X-RateLimit headers and 429 responses.
package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"ratelimiter"
	ginmw "ratelimiter/drivers/middleware/gin"
	"ratelimiter/drivers/store/memory"
)

func main() {
	configFile := flag.String("config", "ratelimiter.yaml", "path to the YAML config file")
	listen := flag.String("listen", ":8081", "bind address")
	flag.Parse()

	path, err := ratelimiter.GetConfigPath(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	config, err := ratelimiter.LoadConfig(path)
	if err != nil {
		log.Fatal(err)
	}
	policies, err := config.BuildPolicies()
	if err != nil {
		log.Fatal(err)
	}

	svc := ratelimiter.NewService(memory.New())

	mode, err := ginmw.ParseFailureMode(config.Middleware.FailureMode)
	if err != nil {
		log.Fatal(err)
	}
	limit, err := ginmw.NewMiddleware(svc, policies,
		ginmw.WithUserHeader(config.Middleware.UserHeader),
		ginmw.WithTenantHeader(config.Middleware.TenantHeader),
		ginmw.WithBypassPaths(config.Middleware.BypassPaths),
		ginmw.WithFailureMode(mode),
	)
	if err != nil {
		log.Fatal(err)
	}

	router := gin.New()
	router.Use(gin.Recovery(), limit)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/echo", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	router.POST("/echo", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	router.GET("/api/search", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"results": []string{}, "query": c.Query("q")})
	})

	log.Printf("example server listening on %s (%d policies)", *listen, len(policies))
	if err := router.Run(*listen); err != nil {
		log.Fatal(err)
	}
}
