package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

var errorMappings = []struct {
	err     error
	status  int
	code    codes.Code
	message string
}{
	{domain.ErrInvalidQuantity, http.StatusBadRequest, codes.InvalidArgument, "invalid quantity"},
	{domain.ErrInvalidItem, http.StatusBadRequest, codes.InvalidArgument, "invalid item"},
	{domain.ErrInvalidDirection, http.StatusBadRequest, codes.InvalidArgument, "invalid direction"},
	{domain.ErrMalformedQuery, http.StatusBadRequest, codes.InvalidArgument, "malformed query"},
	{domain.ErrNotFound, http.StatusNotFound, codes.NotFound, "not found"},
	{domain.ErrInsufficientStock, http.StatusUnprocessableEntity, codes.FailedPrecondition, "insufficient stock"},
	{domain.ErrItemExists, http.StatusConflict, codes.AlreadyExists, "item already exists"},
	{domain.ErrItemReferenced, http.StatusConflict, codes.FailedPrecondition, "item has movements"},
	{domain.ErrLocationInUse, http.StatusConflict, codes.FailedPrecondition, "location in use"},
	{domain.ErrDuplicateRequest, http.StatusConflict, codes.AlreadyExists, "duplicate request"},
	{domain.ErrConflict, http.StatusConflict, codes.Aborted, "concurrent update, retry"},
	{domain.ErrPermissionDenied, http.StatusForbidden, codes.PermissionDenied, "permission denied"},
	{domain.ErrAuthUnavailable, http.StatusServiceUnavailable, codes.Unavailable, "identity unavailable"},
	{domain.ErrAmbiguousWrite, http.StatusServiceUnavailable, codes.Unknown, "write outcome unknown"},
	{domain.ErrTransport, http.StatusServiceUnavailable, codes.Unavailable, "backing store unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded, "timed out"},
	{context.Canceled, 499, codes.Canceled, "canceled"},
}

// classify maps a domain error onto transport status codes.
func classify(err error) (int, codes.Code, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code, m.message
		}
	}
	return http.StatusInternalServerError, codes.Internal, "internal error"
}
