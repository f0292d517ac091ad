package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/danmuck/edgemart/internal/failure"
	"github.com/danmuck/edgemart/internal/ledger"
	"github.com/danmuck/edgemart/internal/market"
	"github.com/danmuck/edgemart/internal/registry"
	"github.com/gin-gonic/gin"
)

type listingRequest struct {
	// Price nil delists the token.
	Price *ledger.Amount `json:"price"`
}

func badRequest(op string, format string, args ...any) error {
	return failure.Validation(op, fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...)))
}

func bindJSON(c *gin.Context, op string, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		writeError(c, badRequest(op, "decode body: %v", err))
		return false
	}
	return true
}

func intQuery(c *gin.Context, op, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(op, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func pageQuery(c *gin.Context, op string) (int, int, error) {
	offset, err := intQuery(c, op, "offset")
	if err != nil {
		return 0, 0, err
	}
	limit, err := intQuery(c, op, "limit")
	if err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

func addressParam(op, raw string) (address.Address, error) {
	id, err := address.Parse(raw)
	if err != nil {
		return "", failure.Validation(op, err)
	}
	return id, nil
}

func optionalAddress(c *gin.Context, op, key string) (*address.Address, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	id, err := addressParam(op, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func tokenIDParam(op, raw string) (registry.TokenID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, badRequest(op, "token id %q", raw)
	}
	return registry.TokenID(n), nil
}

func tokenIDList(op, raw string) ([]registry.TokenID, error) {
	var ids []registry.TokenID
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		id, err := tokenIDParam(op, part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func optionalTokenID(c *gin.Context, op, key string) (*registry.TokenID, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	id, err := tokenIDParam(op, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *Server) createCollection(c *gin.Context) {
	const op = "api.createCollection"
	var arg market.CreateCollectionArg
	if !bindJSON(c, op, &arg) {
		return
	}
	id, err := s.market.CreateCollection(c.Request.Context(), caller(c), arg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"collection_id": id})
}

func (s *Server) collectionIDs(c *gin.Context) {
	const op = "api.getCollectionIds"
	owner, err := optionalAddress(c, op, "owner")
	if err != nil {
		writeError(c, err)
		return
	}
	ids, err := s.market.GetCollectionIDs(c.Request.Context(), caller(c), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collection_ids": ids})
}

func (s *Server) collectionViability(c *gin.Context) {
	const op = "api.getCollectionViability"
	id, err := addressParam(op, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	viable, err := s.market.GetCollectionViability(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collection_id": id, "viable": viable})
}

func (s *Server) listCollections(c *gin.Context) {
	const op = "api.listCollections"
	offset, limit, err := pageQuery(c, op)
	if err != nil {
		writeError(c, err)
		return
	}
	owner, err := optionalAddress(c, op, "owner")
	if err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	if owner != nil {
		cols, err := s.market.GetCollectionsByOwner(ctx, *owner, offset, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"collections": cols})
		return
	}
	cols, err := s.market.GetAllCollections(ctx, offset, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": cols})
}

func (s *Server) listSales(c *gin.Context) {
	offset, limit, err := pageQuery(c, "api.getAllSaleRecords")
	if err != nil {
		writeError(c, err)
		return
	}
	sales, err := s.market.GetAllSaleRecords(c.Request.Context(), offset, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales})
}

func (s *Server) setListing(c *gin.Context) {
	const op = "api.setListing"
	col, err := addressParam(op, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	token, err := tokenIDParam(op, c.Param("token"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req listingRequest
	if !bindJSON(c, op, &req) {
		return
	}
	rec, err := s.market.SetListing(c.Request.Context(), caller(c), col, token, req.Price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": rec})
}

func (s *Server) quotePurchase(c *gin.Context) {
	const op = "api.checkBalance"
	var arg market.CheckBalanceArg
	if !bindJSON(c, op, &arg) {
		return
	}
	total, err := s.market.CheckBalance(c.Request.Context(), caller(c), arg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total})
}

// createPurchase answers 202 with the saga while the asset transfer is still pending; the
// sweeper or a retry with the same idempotency key finishes it.
func (s *Server) createPurchase(c *gin.Context) {
	const op = "api.transferNft"
	var arg market.TransferNFTArg
	if !bindJSON(c, op, &arg) {
		return
	}
	saga, err := s.market.TransferNFT(c.Request.Context(), caller(c), arg)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"purchase": saga})
	case errors.Is(err, market.ErrAssetTransferPending) && saga.ID != "":
		_ = c.Error(err)
		c.JSON(http.StatusAccepted, gin.H{"purchase": saga, "error": err.Error(), "kind": classify(err)})
	case saga.ID != "":
		kind := classify(err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(statusOf(kind), gin.H{"purchase": saga, "error": err.Error(), "kind": kind})
	default:
		writeError(c, err)
	}
}

func (s *Server) getPurchase(c *gin.Context) {
	saga, err := s.market.Purchase(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": saga})
}

func (s *Server) listRegistries(c *gin.Context) {
	const op = "api.registries"
	owner, err := optionalAddress(c, op, "owner")
	if err != nil {
		writeError(c, err)
		return
	}
	var target address.Address
	if owner != nil {
		target = *owner
	}
	recs, err := s.market.Registries(c.Request.Context(), caller(c), target)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registries": recs})
}
