package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/dsa110/contimg-core/internal/ingest/assembler"
	"github.com/dsa110/contimg-core/internal/product"
	"github.com/dsa110/contimg-core/internal/publish"
	"github.com/dsa110/contimg-core/internal/queue"
)

// RouterConfig wires the three domain handlers behind the operator surface.
type RouterConfig struct {
	ProductRegistry *product.Registry
	Publisher       *publish.Publisher
	Queue           *queue.Queue
	Assembler       *assembler.Assembler
}

// NewRouter builds the gin engine exposing spec §4.11's seven endpoints.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("contimg-core"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: false,
	}))

	router.GET("/healthz", func(c *gin.Context) { respondOK(c, gin.H{"status": "ok"}) })

	products := NewProductsHandler(cfg.ProductRegistry, cfg.Publisher)
	q := NewQueueHandler(cfg.Queue)
	groups := NewGroupsHandler(cfg.Assembler)

	v1 := router.Group("/v1")
	{
		v1.GET("/products", products.ListByTypeAndTime)
		v1.GET("/products/skybox", products.BySkyBox)
		v1.GET("/products/:data_id/provenance", products.Provenance)
		v1.POST("/products/:data_id/retract", products.Retract)

		v1.GET("/queue/dead", q.ListDead)
		v1.POST("/queue/:id/requeue", q.Requeue)

		v1.GET("/groups/failed", groups.ListFailed)
	}

	return router
}
