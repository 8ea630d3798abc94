package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

func response(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

// TestCheckResponseClassifies maps statuses onto failure classes.
func TestCheckResponseClassifies(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckResponse("meshy", response(http.StatusAccepted, "")))

	err := CheckResponse("meshy", response(http.StatusBadRequest, "bad image_urls"))
	require.True(t, pipeline.IsInputFailure(err))
	require.False(t, pipeline.IsTransient(err))
	require.Contains(t, err.Error(), "bad image_urls")

	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusRequestTimeout} {
		err := CheckResponse("meshy", response(status, ""))
		require.True(t, pipeline.IsBackendFailure(err), status)
		require.True(t, pipeline.IsTransient(err), status)
	}
}

// TestCheckResponseBoundsBody keeps error messages short.
func TestCheckResponseBoundsBody(t *testing.T) {
	t.Parallel()

	err := CheckResponse("removal", response(http.StatusBadRequest, strings.Repeat("x", 4096)))
	require.Less(t, len(err.Error()), 700)
}

// TestTransportError separates deadlines from cancellation.
func TestTransportError(t *testing.T) {
	t.Parallel()

	require.NoError(t, TransportError("meshy", nil))
	require.True(t, pipeline.IsTransient(TransportError("meshy", context.DeadlineExceeded)))
	canceled := TransportError("meshy", context.Canceled)
	require.True(t, pipeline.IsBackendFailure(canceled))
	require.False(t, pipeline.IsTransient(canceled))
	require.False(t, pipeline.IsTransient(TransportError("meshy", errors.New("boom"))))
}
