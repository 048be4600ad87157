package localengine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/containerd/containerd/errdefs"

	"github.com/tesslate/studio/pkg/types"
)

// classify maps containerd errors onto the shared taxonomy so the retry
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
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", types.ErrNotFound, err)
	case errdefs.IsAlreadyExists(err):
		return fmt.Errorf("%w: %v", types.ErrAlreadyExists, err)
	case errdefs.IsUnavailable(err), isNetError(err):
		return &types.ClassifiedError{Class: types.ErrClassTransient, Err: err}
	case errdefs.IsInvalidArgument(err):
		return &types.ClassifiedError{Class: types.ErrClassUser, Err: err}
	}
	return err
}

// classifyPull treats unknown-image failures as the caller's mistake and
// everything else as transient, since registry hiccups dominate.
func classifyPull(ref string, err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return types.UserErrorf("image %s not found", ref)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &types.ClassifiedError{
		Class: types.ErrClassTransient,
		Err:   fmt.Errorf("failed to pull image %s: %w", ref, err),
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
