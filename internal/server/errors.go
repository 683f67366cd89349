package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/HarvestTrace/internal/ledger"
	"github.com/dharsanguruparan/HarvestTrace/internal/signing"
	"github.com/dharsanguruparan/HarvestTrace/internal/storage"
	"github.com/dharsanguruparan/HarvestTrace/internal/timeline"
)

// Error codes returned in the response envelope.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeInvalidRole      = "INVALID_ROLE"
	CodeNotFound         = "NOT_FOUND"
	CodeStageNotFound    = "STAGE_NOT_FOUND"
	CodeRoleMismatch     = "ROLE_MISMATCH"
	CodeInvalidState     = "INVALID_STATE"
	CodeEmptyComposition = "EMPTY_COMPOSITION"
	CodeDuplicateBatch   = "DUPLICATE_BATCH_REFERENCE"
	CodeUnknownBatch     = "UNKNOWN_BATCH"
	CodeBatchNotReady    = "BATCH_NOT_READY"
	CodeConflict         = "CONFLICT"
	CodeInvalidLink      = "INVALID_SIGNATURE"
	CodeLinkExpired      = "LINK_EXPIRED"
	CodeInternal         = "INTERNAL"
)

// ErrorBody is the JSON envelope for every error response.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func abort(c *gin.Context, status int, code, message string, details map[string]any) {
	c.AbortWithStatusJSON(status, ErrorBody{Code: code, Message: message, Details: details})
}

// respondError maps domain errors onto HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	var (
		te *timeline.TransitionError
		ce *ledger.CompositionError
	)
	switch {
	case errors.As(err, &te):
		details := map[string]any{"stageId": te.StageID}
		switch {
		case errors.Is(te, timeline.ErrStageNotFound):
			abort(c, http.StatusBadRequest, CodeStageNotFound, err.Error(), details)
		case errors.Is(te, timeline.ErrRoleMismatch):
			details["actor"] = te.Actor
			details["allowedRole"] = te.Allowed
			abort(c, http.StatusForbidden, CodeRoleMismatch, err.Error(), details)
		default:
			details["status"] = te.Status
			if te.TooEarly() {
				details["reason"] = "too_early"
			} else if te.AlreadyDone() {
				details["reason"] = "already_done"
			}
			abort(c, http.StatusConflict, CodeInvalidState, err.Error(), details)
		}
	case errors.As(err, &ce):
		details := map[string]any{}
		if ce.BatchID != "" {
			details["batchId"] = ce.BatchID
		}
		code := CodeBatchNotReady
		switch {
		case errors.Is(ce, ledger.ErrEmptyComposition):
			code = CodeEmptyComposition
		case errors.Is(ce, ledger.ErrDuplicateBatchReference):
			code = CodeDuplicateBatch
		case errors.Is(ce, ledger.ErrEntityNotFound):
			code = CodeUnknownBatch
		}
		abort(c, http.StatusUnprocessableEntity, code, err.Error(), details)
	case errors.Is(err, ledger.ErrEntityNotFound):
		abort(c, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrExists):
		abort(c, http.StatusConflict, CodeConflict, err.Error(), nil)
	case errors.Is(err, signing.ErrExpired):
		abort(c, http.StatusGone, CodeLinkExpired, err.Error(), nil)
	case errors.Is(err, signing.ErrBadSignature):
		abort(c, http.StatusUnauthorized, CodeInvalidLink, err.Error(), nil)
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		abort(c, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}
