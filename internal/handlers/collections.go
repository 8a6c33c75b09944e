package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kartikbazzad/tabflow/internal/authz"
	"github.com/kartikbazzad/tabflow/internal/middleware"
	"github.com/kartikbazzad/tabflow/internal/services"
)

// CollectionHandler handles collection, function and table endpoints.
type CollectionHandler struct {
	registry *services.RegistryService
	gate     *authz.Enforcer
}

// NewCollectionHandler creates a new CollectionHandler
func NewCollectionHandler(registry *services.RegistryService, gate *authz.Enforcer) *CollectionHandler {
	return &CollectionHandler{registry: registry, gate: gate}
}

// allow aborts with 403 unless the principal's role may perform the action.
func (h *CollectionHandler) allow(c *gin.Context, action, scope string) bool {
	p := middleware.GetPrincipal(c)
	if p == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	ok, err := h.gate.Check(p.Role, action, scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

// CreateCollectionRequest represents a collection creation request
type CreateCollectionRequest struct {
	Name string `json:"name"`
}

// CreateCollection creates a new collection
func (h *CollectionHandler) CreateCollection(c *gin.Context) {
	if !h.allow(c, authz.ActionRegisterFunction, "") {
		return
	}

	var req CreateCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	col, err := h.registry.CreateCollection(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, col)
}

// ListCollections lists all collections
func (h *CollectionHandler) ListCollections(c *gin.Context) {
	if !h.allow(c, authz.ActionList, "") {
		return
	}
	cols, err := h.registry.ListCollections(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cols)
}

// RegisterFunction registers a function version in a collection
func (h *CollectionHandler) RegisterFunction(c *gin.Context) {
	collection := c.Param("collection")
	if !h.allow(c, authz.ActionRegisterFunction, collection) {
		return
	}

	var req services.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Collection = collection

	fv, err := h.registry.RegisterFunction(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, fv)
}

// ListFunctions lists the functions of a collection
func (h *CollectionHandler) ListFunctions(c *gin.Context) {
	collection := c.Param("collection")
	if !h.allow(c, authz.ActionList, collection) {
		return
	}
	fns, err := h.registry.ListFunctions(c.Request.Context(), collection)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, fns)
}

// GetFunction returns a function and its current version
func (h *CollectionHandler) GetFunction(c *gin.Context) {
	collection := c.Param("collection")
	if !h.allow(c, authz.ActionList, collection) {
		return
	}
	fn, fv, err := h.registry.GetFunction(c.Request.Context(), collection, c.Param("function"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"function": fn, "current_version": fv})
}

// ListTables lists the tables of a collection
func (h *CollectionHandler) ListTables(c *gin.Context) {
	collection := c.Param("collection")
	if !h.allow(c, authz.ActionList, collection) {
		return
	}
	tables, err := h.registry.ListTables(c.Request.Context(), collection)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tables)
}

// ListTableVersions lists a table's data versions in natural order
func (h *CollectionHandler) ListTableVersions(c *gin.Context) {
	collection := c.Param("collection")
	if !h.allow(c, authz.ActionList, collection) {
		return
	}
	versions, err := h.registry.ListTableDataVersions(c.Request.Context(), collection, c.Param("table"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

// DataVersionURI resolves a committed data version to its storage path and,
// when object storage is configured, a presigned download URL
func (h *CollectionHandler) DataVersionURI(c *gin.Context) {
	collection := c.Param("collection")
	if !h.allow(c, authz.ActionList, collection) {
		return
	}
	path, uri, err := h.registry.ResolveDataURI(c.Request.Context(), collection, c.Param("table"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "uri": uri})
}

// DeleteTable deletes a table nothing references anymore
func (h *CollectionHandler) DeleteTable(c *gin.Context) {
	collection := c.Param("collection")
	if !h.allow(c, authz.ActionRegisterFunction, collection) {
		return
	}
	if err := h.registry.DeleteTable(c.Request.Context(), collection, c.Param("table")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
