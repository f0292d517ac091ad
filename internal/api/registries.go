package api

import (
	"net/http"
	"strings"

	"github.com/danmuck/edgemart/internal/address"
	"github.com/gin-gonic/gin"
)

func (s *Server) registryAddr(c *gin.Context) (address.Address, bool) {
	addr, err := addressParam("api.registry", c.Param("addr"))
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return addr, true
}

func (s *Server) registryInfo(c *gin.Context) {
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	info, err := s.registries.Info(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// registryOwners takes ?ids=1,2,3 and answers positionally; unknown ids are null.
func (s *Server) registryOwners(c *gin.Context) {
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	ids, err := tokenIDList("api.registry.owners", c.Query("ids"))
	if err != nil {
		writeError(c, err)
		return
	}
	owners, err := s.registries.OwnerOf(c.Request.Context(), addr, ids)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ids": ids, "owners": owners})
}

func (s *Server) registryBalance(c *gin.Context) {
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	var owners []address.Address
	for _, raw := range strings.Split(c.Query("owners"), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		owner, err := addressParam("api.registry.balance", raw)
		if err != nil {
			writeError(c, err)
			return
		}
		owners = append(owners, owner)
	}
	balances, err := s.registries.BalanceOf(c.Request.Context(), addr, owners)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owners": owners, "balances": balances})
}

func (s *Server) registryTokens(c *gin.Context) {
	const op = "api.registry.tokens"
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	prev, err := optionalTokenID(c, op, "prev")
	if err != nil {
		writeError(c, err)
		return
	}
	take, err := intQuery(c, op, "take")
	if err != nil {
		writeError(c, err)
		return
	}
	ids, err := s.registries.Tokens(c.Request.Context(), addr, prev, take)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": ids})
}

func (s *Server) registryTokensOf(c *gin.Context) {
	const op = "api.registry.tokensOf"
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	owner, err := addressParam(op, c.Param("owner"))
	if err != nil {
		writeError(c, err)
		return
	}
	prev, err := optionalTokenID(c, op, "prev")
	if err != nil {
		writeError(c, err)
		return
	}
	take, err := intQuery(c, op, "take")
	if err != nil {
		writeError(c, err)
		return
	}
	ids, err := s.registries.TokensOf(c.Request.Context(), addr, owner, prev, take)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "tokens": ids})
}

func (s *Server) registryMetadata(c *gin.Context) {
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	ids, err := tokenIDList("api.registry.metadata", c.Query("ids"))
	if err != nil {
		writeError(c, err)
		return
	}
	meta, err := s.registries.TokenMetadata(c.Request.Context(), addr, ids)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ids": ids, "metadata": meta})
}

func (s *Server) registrySupply(c *gin.Context) {
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	total, err := s.registries.TotalSupply(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_supply": total})
}

func (s *Server) registryStandards(c *gin.Context) {
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	standards, err := s.registries.SupportedStandards(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"standards": standards})
}

func (s *Server) registryTxLog(c *gin.Context) {
	const op = "api.registry.txlog"
	addr, ok := s.registryAddr(c)
	if !ok {
		return
	}
	page, err := intQuery(c, op, "page")
	if err != nil {
		writeError(c, err)
		return
	}
	size, err := intQuery(c, op, "size")
	if err != nil {
		writeError(c, err)
		return
	}
	txs, err := s.registries.TxLogs(c.Request.Context(), addr, page, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "transactions": txs})
}
