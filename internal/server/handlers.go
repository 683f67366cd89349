package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dharsanguruparan/HarvestTrace/internal/ledger"
	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

type createBatchRequest struct {
	ProductName       string         `json:"productName" binding:"required"`
	FarmName          string         `json:"farmName" binding:"required"`
	Location          string         `json:"location"`
	HarvestDate       string         `json:"harvestDate"`
	ProcessingDetails string         `json:"processingDetails"`
	Notes             string         `json:"notes"`
	Data              map[string]any `json:"data"`
}

type createProductRequest struct {
	Name     string   `json:"name" binding:"required"`
	Brand    string   `json:"brand" binding:"required"`
	Image    string   `json:"image"`
	BatchIDs []string `json:"batchIds"`
}

type stageRequest struct {
	Description string         `json:"description"`
	Date        string         `json:"date"`
	Data        map[string]any `json:"data"`
}

func (s *Server) handleCreateBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	if !validDate(req.HarvestDate) {
		abort(c, http.StatusBadRequest, CodeBadRequest, "harvestDate must be YYYY-MM-DD", nil)
		return
	}
	b, err := s.ledger.CreateBatch(c.Request.Context(), ledger.BatchInput{
		ProductName:       strings.TrimSpace(req.ProductName),
		FarmName:          strings.TrimSpace(req.FarmName),
		Location:          strings.TrimSpace(req.Location),
		HarvestDate:       req.HarvestDate,
		ProcessingDetails: req.ProcessingDetails,
		Notes:             req.Notes,
		Data:              req.Data,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) handleListBatches(c *gin.Context) {
	list := s.ledger.Batches
	if ready, _ := strconv.ParseBool(c.Query("ready")); ready {
		list = s.ledger.ReadyBatches
	}
	batches, err := list(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if batches == nil {
		batches = []model.Batch{}
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (s *Server) handleCreateProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	p, err := s.ledger.CreateProduct(c.Request.Context(), ledger.ProductInput{
		Name:     strings.TrimSpace(req.Name),
		Brand:    strings.TrimSpace(req.Brand),
		Image:    req.Image,
		BatchIDs: req.BatchIDs,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListProducts(c *gin.Context) {
	products, err := s.ledger.Products(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if products == nil {
		products = []model.Product{}
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (s *Server) handleLookup(c *gin.Context) {
	entity, err := s.ledger.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (s *Server) handleUpdateStage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	stageID, err := strconv.Atoi(c.Param("stage"))
	if err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, "stage must be an integer", nil)
		return
	}
	actor, err := model.ParseRole(c.GetHeader(RoleHeader))
	if err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRole, err.Error(), nil)
		return
	}
	var req stageRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
			return
		}
	}
	if !validDate(req.Date) {
		abort(c, http.StatusBadRequest, CodeBadRequest, "date must be YYYY-MM-DD", nil)
		return
	}
	kind, err := s.resolveKind(c, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	entity, err := s.ledger.UpdateStage(ctx, id, kind, stageID, model.StageUpdate{
		Description: req.Description,
		Date:        req.Date,
		Data:        req.Data,
	}, actor)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

// resolveKind picks the entity kind from the kind query parameter, the id
// prefix, or failing both, a lookup.
func (s *Server) resolveKind(c *gin.Context, id string) (model.EntityKind, error) {
	if q := c.Query("kind"); q != "" {
		kind, err := model.ParseKind(q)
		if err != nil {
			return "", fmt.Errorf("%s: %w", q, ledger.ErrEntityNotFound)
		}
		return kind, nil
	}
	if kind, ok := model.KindOf(id); ok {
		return kind, nil
	}
	entity, err := s.ledger.Lookup(c.Request.Context(), id)
	if err != nil {
		return "", err
	}
	return entity.Kind, nil
}

func (s *Server) handleProvenance(c *gin.Context) {
	r, hit, err := s.reports.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if hit {
		c.Header("X-Report-Cache", "hit")
	} else {
		c.Header("X-Report-Cache", "miss")
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleScanLink(c *gin.Context) {
	entity, err := s.ledger.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	link, expires := s.signer.ScanLink(s.cfg.PublicBaseURL, entity.ID(), s.cfg.ScanLinkTTL)
	c.JSON(http.StatusOK, gin.H{
		"id":      entity.ID(),
		"url":     link,
		"expires": expires,
	})
}

func (s *Server) handleScan(c *gin.Context) {
	id, expires, signature := c.Query("id"), c.Query("expires"), c.Query("signature")
	if id == "" || expires == "" || signature == "" {
		abort(c, http.StatusBadRequest, CodeBadRequest, "missing parameters", nil)
		return
	}
	if err := s.signer.Verify(id, expires, signature); err != nil {
		s.respondError(c, err)
		return
	}
	r, _, err := s.reports.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func validDate(s string) bool {
	if s == "" {
		return true
	}
	_, err := time.Parse(ledger.DateLayout, s)
	return err == nil
}
