package engine

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txguard/internal/auth"
	"github.com/mbd888/txguard/internal/txn"
	"github.com/mbd888/txguard/internal/validation"
)

// Handler provides the HTTP surface of the engine.
type Handler struct {
	engine *Engine
}

// NewHandler creates a handler for e.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// RegisterRoutes sets up engine routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/evaluate", h.Evaluate)

	tx := r.Group("/transactions/:id", validation.TransactionIDParamMiddleware())
	tx.GET("", h.GetTransaction)
	tx.POST("/signatures", h.SubmitSignature)
	tx.POST("/reject", h.RejectTransaction)
	tx.GET("/authorization", h.Authorize)

	r.GET("/actors/:id/status", h.ActorStatus)
}

// EvaluateRequest is the body of POST /v1/transactions/evaluate.
type EvaluateRequest struct {
	Amount      string `json:"amount"`
	ProposalRef string `json:"proposalRef"`
	Operation   string `json:"operation"`
}

// SignatureRequest is the body of POST /v1/transactions/:id/signatures.
type SignatureRequest struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
	SignedAt  string `json:"signedAt"`
}

// RejectRequest is the body of POST /v1/transactions/:id/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// Evaluate handles POST /v1/transactions/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("proposalRef", req.ProposalRef, 128),
		validation.MaxLength("amount", req.Amount, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	dec, err := h.engine.Evaluate(c.Request.Context(), Request{
		ActorID:     auth.GetActor(c),
		Role:        auth.GetRole(c),
		Amount:      req.Amount,
		ProposalRef: strings.TrimSpace(req.ProposalRef),
		Operation:   txn.Operation(req.Operation),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if dec.State == txn.StatePendingSignatures {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"decision": dec})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.engine.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// SubmitSignature handles POST /v1/transactions/:id/signatures
//
// The signer defaults to the authenticated actor and may not name anyone else.
func (h *Handler) SubmitSignature(c *gin.Context) {
	var req SignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actor := auth.GetActor(c)
	signer := strings.TrimSpace(req.Signer)
	if signer == "" {
		signer = actor
	}
	if signer != actor {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Signatures may only be submitted by the signer.",
		})
		return
	}

	signedAt := h.engine.now()
	if req.SignedAt != "" {
		if errs := validation.Validate(validation.ValidTimestamp("signedAt", req.SignedAt)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
		signedAt, _ = time.Parse(time.RFC3339, req.SignedAt)
	}

	out, err := h.engine.SubmitSignature(c.Request.Context(), c.Param("id"), txn.SignatureClaim{
		SignerID:  signer,
		Signature: req.Signature,
		SignedAt:  signedAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": out})
}

// RejectTransaction handles POST /v1/transactions/:id/reject
func (h *Handler) RejectTransaction(c *gin.Context) {
	var req RejectRequest
	// An empty body is allowed; the reason then defaults.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	if errs := validation.Validate(validation.MaxLength("reason", req.Reason, 500)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	out, err := h.engine.RejectTransaction(c.Request.Context(), c.Param("id"), auth.GetActor(c),
		validation.SanitizeString(req.Reason, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": out})
}

// Authorize handles GET /v1/transactions/:id/authorization
func (h *Handler) Authorize(c *gin.Context) {
	out, err := h.engine.AuthorizeExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorized": true, "outcome": out})
}

// ActorStatus handles GET /v1/actors/:id/status
func (h *Handler) ActorStatus(c *gin.Context) {
	actorID := c.Param("id")
	if !validation.IsValidIdentifier(actorID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid actor id",
		})
		return
	}
	st, err := h.engine.ActorStatus(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

// StatusFor returns the HTTP status for a rejection code.
func StatusFor(code Code) int {
	switch code.Kind() {
	case KindValidation:
		return http.StatusBadRequest
	case KindSignature:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindSystem:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeError(c *gin.Context, err error) {
	var rej *Rejection
	if !errors.As(err, &rej) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(CodeSystemError),
			"message": "internal error",
		})
		return
	}
	c.JSON(StatusFor(rej.Code), rej)
}
