package httpapi

import (
	"errors"
	"net/http"

	"github.com/example/driver-dispatch/internal/activejob"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/negotiation"
	"github.com/example/driver-dispatch/internal/photos"
	"github.com/example/driver-dispatch/internal/session"
	"github.com/example/driver-dispatch/internal/transport"
)

// statusFor maps domain and transport errors onto control API responses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, activejob.ErrMissingBeforePhotos),
		errors.Is(err, activejob.ErrMissingAfterPhotos),
		errors.Is(err, activejob.ErrNoPhotos),
		errors.Is(err, negotiation.ErrInvalidVolume),
		errors.Is(err, photos.ErrEmptyPhoto),
		errors.Is(err, photos.ErrNotAnImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, photos.ErrPhotoTooBig):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, activejob.ErrIllegalTransition),
		errors.Is(err, activejob.ErrTransitionInFlight),
		errors.Is(err, activejob.ErrJobAlreadyActive),
		errors.Is(err, negotiation.ErrWrongStage),
		errors.Is(err, negotiation.ErrProposalOpen),
		errors.Is(err, negotiation.ErrAwaitingApproval),
		errors.Is(err, negotiation.ErrApprovalTimeout),
		errors.Is(err, dispatch.ErrOfferReset),
		errors.Is(err, session.ErrJobInProgress),
		errors.Is(err, session.ErrNotApproved):
		return http.StatusConflict
	case errors.Is(err, activejob.ErrNoActiveJob),
		errors.Is(err, negotiation.ErrNoActiveJob),
		errors.Is(err, activejob.ErrNoJobLocation),
		errors.Is(err, activejob.ErrNoPosition),
		errors.Is(err, dispatch.ErrNoOffer):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoUploader), errors.Is(err, session.ErrNoFeed):
		return http.StatusNotImplemented
	case transport.IsUnauthorized(err):
		return http.StatusUnauthorized
	case transport.IsRejected(err):
		return http.StatusConflict
	case transport.IsTransient(err):
		return http.StatusBadGateway
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
