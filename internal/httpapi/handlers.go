package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dsa110/contimg-core/internal/ingest/assembler"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/product"
	"github.com/dsa110/contimg-core/internal/publish"
	"github.com/dsa110/contimg-core/internal/queue"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ProductsHandler backs the product-registry query endpoints.
type ProductsHandler struct {
	registry  *product.Registry
	publisher *publish.Publisher
}

func NewProductsHandler(registry *product.Registry, publisher *publish.Publisher) *ProductsHandler {
	return &ProductsHandler{registry: registry, publisher: publisher}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseTime(raw, fallback string) (time.Time, error) {
	if raw == "" {
		raw = fallback
	}
	return time.Parse(time.RFC3339, raw)
}

func parseFloatQuery(c *gin.Context, key string) (float64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// GET /v1/products?data_type=&from=&to=&limit=&offset=
func (h *ProductsHandler) ListByTypeAndTime(c *gin.Context) {
	dataType := c.Query("data_type")
	if dataType == "" {
		respondError(c, http.StatusBadRequest, "missing_data_type", errors.New("data_type is required"))
		return
	}
	from, err := parseTime(c.Query("from"), "1970-01-01T00:00:00Z")
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_from", err)
		return
	}
	to, err := parseTime(c.Query("to"), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_to", err)
		return
	}
	limit, offset := pagination(c)

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	products, err := h.registry.ByDataTypeAndTime(dbc, dataType, from, to, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}
	respondOK(c, gin.H{"products": products})
}

// GET /v1/products/skybox?ra_lo=&ra_hi=&dec_lo=&dec_hi=&limit=&offset=
func (h *ProductsHandler) BySkyBox(c *gin.Context) {
	raLo, ok1 := parseFloatQuery(c, "ra_lo")
	raHi, ok2 := parseFloatQuery(c, "ra_hi")
	decLo, ok3 := parseFloatQuery(c, "dec_lo")
	decHi, ok4 := parseFloatQuery(c, "dec_hi")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		respondError(c, http.StatusBadRequest, "missing_sky_box", errors.New("ra_lo, ra_hi, dec_lo, dec_hi are all required"))
		return
	}
	limit, offset := pagination(c)

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	products, err := h.registry.BySkyBox(dbc, raLo, raHi, decLo, decHi, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}
	respondOK(c, gin.H{"products": products})
}

// GET /v1/products/:data_id/provenance
func (h *ProductsHandler) Provenance(c *gin.Context) {
	dataID := c.Param("data_id")
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	ancestry, err := h.registry.Provenance(dbc, dataID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}
	respondOK(c, gin.H{"ancestry": ancestry})
}

// POST /v1/products/:data_id/retract
func (h *ProductsHandler) Retract(c *gin.Context) {
	dataID := c.Param("data_id")
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	err := h.publisher.Retract(dbc, dataID)
	switch {
	case err == nil:
		respondOK(c, gin.H{"data_id": dataID, "state": "retracted"})
	case errors.Is(err, publish.ErrNotFound):
		respondError(c, http.StatusNotFound, "product_not_found", err)
	case errors.Is(err, publish.ErrWrongState):
		respondError(c, http.StatusConflict, "wrong_state", err)
	default:
		respondError(c, http.StatusInternalServerError, "retract_failed", err)
	}
}

// QueueHandler backs the dead-letter operator endpoints.
type QueueHandler struct {
	q *queue.Queue
}

func NewQueueHandler(q *queue.Queue) *QueueHandler {
	return &QueueHandler{q: q}
}

// GET /v1/queue/dead?limit=&offset=
func (h *QueueHandler) ListDead(c *gin.Context) {
	limit, offset := pagination(c)
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	items, err := h.q.DeadLettered(dbc, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}
	respondOK(c, gin.H{"items": items})
}

// POST /v1/queue/:id/requeue
func (h *QueueHandler) Requeue(c *gin.Context) {
	id := c.Param("id")
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.q.Requeue(dbc, id); err != nil {
		respondError(c, http.StatusInternalServerError, "requeue_failed", err)
		return
	}
	respondOK(c, gin.H{"id": id, "state": "pending"})
}

// GroupsHandler backs the failed-group operator endpoint.
type GroupsHandler struct {
	a *assembler.Assembler
}

func NewGroupsHandler(a *assembler.Assembler) *GroupsHandler {
	return &GroupsHandler{a: a}
}

// GET /v1/groups/failed?limit=&offset=
func (h *GroupsHandler) ListFailed(c *gin.Context) {
	limit, offset := pagination(c)
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	groups, err := h.a.ListFailed(dbc, limit, offset)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}
	respondOK(c, gin.H{"groups": groups})
}
