// SPDX-License-Identifier: MIT

package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTransientNetwork, KindOf(errors.New("connection reset")))

	wrapped := fmt.Errorf("outer: %w", New(KindCapacityRejected, "encoder at capacity"))
	assert.Equal(t, KindCapacityRejected, KindOf(wrapped))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransientNetwork, "x")))
	assert.True(t, Retryable(New(KindRateLimited, "x")))
	assert.True(t, Retryable(New(KindCapacityRejected, "x")))
	assert.True(t, Retryable(New(KindStalled, "x")))

	assert.False(t, Retryable(New(KindPermanent, "x")))
	assert.False(t, Retryable(New(KindNotFound, "x")))
	assert.False(t, Retryable(New(KindForbidden, "x")))
	assert.False(t, Retryable(New(KindValidation, "x")))
	assert.False(t, Retryable(New(KindCancelled, "x")))
}

func TestCountsAsAttempt(t *testing.T) {
	assert.False(t, CountsAsAttempt(New(KindCapacityRejected, "encoder at capacity")))
	assert.True(t, CountsAsAttempt(New(KindStalled, "no progress")))
	assert.True(t, CountsAsAttempt(New(KindTimeout, "deadline")))
}

func TestFromHTTPStatus(t *testing.T) {
	assert.Nil(t, FromHTTPStatus(http.StatusOK, ""))
	assert.Equal(t, KindRateLimited, FromHTTPStatus(http.StatusTooManyRequests, "x").Kind)
	assert.Equal(t, KindNotFound, FromHTTPStatus(http.StatusNotFound, "x").Kind)
	assert.Equal(t, KindForbidden, FromHTTPStatus(http.StatusUnauthorized, "x").Kind)
	assert.Equal(t, KindUnavailable, FromHTTPStatus(http.StatusBadGateway, "x").Kind)
	assert.Equal(t, KindInvalid, FromHTTPStatus(http.StatusBadRequest, "x").Kind)
}

func TestFaultUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	f := Wrap(KindTransientNetwork, "indexer call", inner)
	require.ErrorIs(t, f, inner)
	assert.Contains(t, f.Error(), "transient_network")
	assert.Contains(t, f.Error(), "indexer call")
}
