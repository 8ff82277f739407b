package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-subscription-billing/internal/auth"
	"github.com/0gfoundation/0g-subscription-billing/internal/billing"
	"github.com/0gfoundation/0g-subscription-billing/internal/chain"
	"github.com/0gfoundation/0g-subscription-billing/internal/permission"
	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

// Billing is satisfied by *billing.Service.
type Billing interface {
	Charge(ctx context.Context, hash string, amount billing.Amount, opts billing.ChargeOptions) resilience.Result
	Status(ctx context.Context, hash string) (permission.Status, error)
	Register(ctx context.Context, a *permission.Authorization, spender common.Address, autoCharge bool) (*billing.Record, error)
}

// Records is satisfied by *billing.Store.
type Records interface {
	Get(ctx context.Context, hash string) (*billing.Record, error)
	SetAutoCharge(ctx context.Context, hash string, on bool) error
}

// Handler serves the permission API.
type Handler struct {
	svc      Billing
	records  Records
	rdb      *redis.Client
	networks *chain.Networks
	spender  common.Address
	charge   billing.ChargeOptions
	log      *zap.Logger
}

// NewHandler builds the API. spender is the address this service charges
// from; registrations naming another spender are refused.
func NewHandler(svc Billing, records Records, rdb *redis.Client, networks *chain.Networks, spender common.Address, charge billing.ChargeOptions, log *zap.Logger) *Handler {
	return &Handler{
		svc:      svc,
		records:  records,
		rdb:      rdb,
		networks: networks,
		spender:  spender,
		charge:   charge,
		log:      log,
	}
}

// Register mounts the authenticated routes. auth.Middleware should already
// be applied to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/permissions", h.handleRegister)
	rg.GET("/permissions/:hash", h.withParty("get", false, h.handleGet))
	rg.GET("/permissions/:hash/status", h.withParty("status", false, h.handleStatus))
	rg.GET("/permissions/:hash/receipts", h.withParty("receipts", false, h.handleReceipts))
	rg.POST("/permissions/:hash/charge", h.withParty("charge", true, h.handleCharge))
	rg.PUT("/permissions/:hash/auto-charge", h.withParty("auto-charge", true, h.handleAutoCharge))
}

// RegisterPublic mounts routes that need no wallet signature.
func (h *Handler) RegisterPublic(rg gin.IRoutes) {
	rg.GET("/txid/:id", h.handleTxID)
}

// withParty checks the signed action and that the caller is a party to the
// permission, then hands the loaded record to next.
func (h *Handler) withParty(action string, spenderOnly bool, next func(*gin.Context, *billing.Record)) gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := c.Param("hash")
		if !auth.Authorize(c, action, hash) {
			return
		}
		rec, err := h.records.Get(c.Request.Context(), hash)
		if errors.Is(err, billing.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "permission not found"})
			return
		}
		if err != nil {
			h.log.Error("load permission", zap.String("permission", hash), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if err := CheckParty(rec, auth.Wallet(c), spenderOnly); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		next(c, rec)
	}
}

// ── Register ─────────────────────────────────────────────────────────────────

type registerRequest struct {
	Authorization permission.Authorization `json:"authorization"`
	AutoCharge    bool                     `json:"auto_charge"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	a := &req.Authorization
	if !auth.Authorize(c, "register", a.Permission.Account.Hex()) {
		return
	}
	wallet := auth.Wallet(c)
	if wallet != a.Permission.Account && wallet != a.Permission.Spender {
		c.JSON(http.StatusForbidden, gin.H{"error": errForbidden.Error()})
		return
	}

	rec, err := h.svc.Register(c.Request.Context(), a, h.spender, req.AutoCharge)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ── Reads ────────────────────────────────────────────────────────────────────

func (h *Handler) handleGet(c *gin.Context, rec *billing.Record) {
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) handleStatus(c *gin.Context, rec *billing.Record) {
	st, err := h.svc.Status(c.Request.Context(), rec.Authorization.HashHex())
	if errors.Is(err, permission.ErrNotStarted) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Warn("status", zap.String("permission", rec.Authorization.HashHex()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not read on-chain state"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) handleReceipts(c *gin.Context, rec *billing.Record) {
	rs, err := billing.Receipts(c.Request.Context(), h.rdb, rec.Authorization.HashHex())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, rs)
}

// ── Charge ───────────────────────────────────────────────────────────────────

type chargeRequest struct {
	Amount string `json:"amount"` // smallest unit; empty charges the full remaining allowance
}

func (h *Handler) handleCharge(c *gin.Context, rec *billing.Record) {
	var req chargeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	amount := billing.MaxRemaining()
	if req.Amount != "" {
		v, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a base-10 integer"})
			return
		}
		amount = billing.Exact(v)
	}

	res := h.svc.Charge(c.Request.Context(), rec.Authorization.HashHex(), amount, h.charge)
	c.JSON(resultStatus(res), res)
}

func resultStatus(r resilience.Result) int {
	switch r.Status {
	case resilience.StatusSuccess:
		return http.StatusOK
	case resilience.StatusExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

// ── Auto-charge ──────────────────────────────────────────────────────────────

type autoChargeRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) handleAutoCharge(c *gin.Context, rec *billing.Record) {
	var req autoChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	hash := rec.Authorization.HashHex()
	if err := h.records.SetAutoCharge(c.Request.Context(), hash, *req.Enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	h.log.Info("auto-charge updated", zap.String("permission", hash), zap.Bool("enabled", *req.Enabled))
	c.JSON(http.StatusOK, gin.H{"permission_hash": hash, "auto_charge": *req.Enabled})
}

// ── Transaction ids ──────────────────────────────────────────────────────────

func (h *Handler) handleTxID(c *gin.Context) {
	name, hash, err := chain.ParseTxID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	legacy := name == ""
	if legacy {
		name = c.DefaultQuery("network", h.defaultNetwork())
	}
	resp := gin.H{"network": name, "hash": hash.Hex(), "legacy": legacy}
	if n, ok := h.networks.ByName(name); ok {
		resp["chain_id"] = n.ChainID
		resp["explorer_url"] = n.TxURL(hash)
	}
	c.JSON(http.StatusOK, resp)
}

// defaultNetwork is the first network matching the configured class.
func (h *Handler) defaultNetwork() string {
	for _, n := range h.networks.All() {
		if n.Testnet == h.charge.Testnet {
			return n.Name
		}
	}
	return ""
}
