package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sashabaranov/go-openai"
)

// Backend failures fall into three classes. Only ErrBackendUnavailable is
// retryable: the request was fine, the backend was not reachable or not
// ready. ErrBackendRefused means the backend rejected this request and a
// retry would be rejected the same way. ErrBadResponse means the backend
// answered but the payload could not be used.
var (
	ErrBackendUnavailable = errors.New("llm: backend unavailable")
	ErrBackendRefused     = errors.New("llm: backend refused request")
	ErrBadResponse        = errors.New("llm: unusable response")
)

// IsRetryable reports whether the failure is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// classifyTransport maps a go-openai request failure onto the error
// taxonomy.
func classifyTransport(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrBackendRefused, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 && reqErr.HTTPStatusCode != 429 {
			return fmt.Errorf("%w: %v", ErrBackendRefused, err)
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Connection resets and refused dials surface as plain *url.Error
	// values; treat everything unrecognized as a reachability problem.
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
