package cluster

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/tesslate/studio/pkg/types"
)

// classify maps API server errors onto the shared taxonomy so the retry
// wrapper knows what is worth replaying.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var classified *types.ClassifiedError
	if errors.As(err, &classified) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%w: %v", types.ErrNotFound, err)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%w: %v", types.ErrAlreadyExists, err)
	case apierrors.IsConflict(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return &types.ClassifiedError{Class: types.ErrClassTransient, Err: err}
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return &types.ClassifiedError{Class: types.ErrClassUser, Err: err}
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return &types.ClassifiedError{Class: types.ErrClassPermanent, Err: err}
	}
	return err
}
