package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

const maxErrorBody = 512

// CheckResponse returns nil for 2xx responses. Otherwise it reads a bounded
// slice of the body and classifies the status: 408, 429 and 5xx are transient
// backend failures, everything else is an input failure.
func CheckResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return pipeline.BackendFailure(provider, pipeline.Transient(err))
	default:
		return pipeline.InputFailure(provider, err)
	}
}

// TransportError classifies a failed round trip. Network failures and
// deadlines are transient backend failures; a cancelled caller is returned
// as a plain backend failure.
func TransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return pipeline.BackendFailure(provider, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return pipeline.BackendFailure(provider, pipeline.Transient(err))
	default:
		return pipeline.BackendFailure(provider, err)
	}
}
