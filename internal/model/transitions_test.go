// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voslund/fetchd/internal/faults"
)

func TestItemTransitions_LegalEdges(t *testing.T) {
	legal := []struct {
		from, to ItemStatus
	}{
		{ItemPending, ItemSearching},
		{ItemPending, ItemCancelled},
		{ItemSearching, ItemDiscovered},
		{ItemSearching, ItemFound},
		{ItemSearching, ItemFailed},
		{ItemDiscovered, ItemDownloading},
		{ItemFound, ItemDownloading},
		{ItemDownloading, ItemDownloaded},
		{ItemDownloaded, ItemEncoding},
		{ItemEncoding, ItemEncoded},
		{ItemEncoded, ItemDelivering},
		{ItemDelivering, ItemCompleted},
		{ItemFailed, ItemPending},
	}
	for _, tc := range legal {
		assert.True(t, ItemTransitions.Can(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct {
		from, to ItemStatus
	}{
		{ItemPending, ItemDownloading},
		{ItemSearching, ItemEncoding},
		{ItemDiscovered, ItemFailed},
		{ItemCompleted, ItemPending},
		{ItemCancelled, ItemPending},
		{ItemCompleted, ItemFailed},
		{ItemDownloaded, ItemDelivering},
	}
	for _, tc := range illegal {
		assert.False(t, ItemTransitions.Can(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestValidateItemTransition_DownloadingRequiresDownloadID(t *testing.T) {
	now := time.Now()
	item := &ProcessingItem{ID: "it-1", Status: ItemFound}

	err := ValidateItemTransition(item, ItemDownloading, now)
	require.Error(t, err)

	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.KindValidation, f.Kind)

	item.DownloadID = "dl-1"
	require.NoError(t, ValidateItemTransition(item, ItemDownloading, now))
}

func TestValidateItemTransition_CooldownGate(t *testing.T) {
	now := time.Now()
	item := &ProcessingItem{
		ID:               "it-1",
		Status:           ItemDiscovered,
		DownloadID:       "dl-1",
		CooldownEndsUnix: now.Add(time.Minute).Unix(),
	}

	err := ValidateItemTransition(item, ItemDownloading, now)
	require.Error(t, err, "cooldown still active")

	require.NoError(t, ValidateItemTransition(item, ItemDownloading, now.Add(2*time.Minute)))
}

func TestValidateItemTransition_EncodingGuards(t *testing.T) {
	now := time.Now()
	item := &ProcessingItem{ID: "it-1", Status: ItemDownloaded, EncodingJobID: "job-1"}

	err := ValidateItemTransition(item, ItemEncoding, now)
	require.Error(t, err, "missing source file")

	item.SourceFilePath = "/downloads/movie.mkv"
	err = ValidateItemTransition(item, ItemEncoding, now)
	require.Error(t, err, "missing validation flag")

	item.StepContext = map[string]string{CtxKeyFileValidated: "true"}
	require.NoError(t, ValidateItemTransition(item, ItemEncoding, now))
}

func TestValidateItemTransition_IllegalEdgeIsValidationFault(t *testing.T) {
	item := &ProcessingItem{ID: "it-1", Status: ItemCompleted}
	err := ValidateItemTransition(item, ItemPending, time.Now())
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestDeriveRequestStatus(t *testing.T) {
	tests := []struct {
		name     string
		items    []*ProcessingItem
		want     RequestStatus
		wantProg int
	}{
		{
			name: "all completed",
			items: []*ProcessingItem{
				{Status: ItemCompleted, Progress: 100},
				{Status: ItemCompleted, Progress: 100},
			},
			want:     RequestCompleted,
			wantProg: 100,
		},
		{
			name: "mixed in flight",
			items: []*ProcessingItem{
				{Status: ItemCompleted, Progress: 100},
				{Status: ItemEncoding, Progress: 50},
			},
			want:     RequestProcessing,
			wantProg: 75,
		},
		{
			name: "all terminal with failure",
			items: []*ProcessingItem{
				{Status: ItemCompleted, Progress: 100},
				{Status: ItemFailed, Progress: 40},
			},
			want: RequestFailed,
		},
		{
			name: "all cancelled",
			items: []*ProcessingItem{
				{Status: ItemCancelled},
				{Status: ItemCancelled},
			},
			want: RequestCancelled,
		},
		{
			name: "no items",
			want: RequestPending,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, prog := DeriveRequestStatus(tc.items)
			assert.Equal(t, tc.want, got)
			if tc.wantProg != 0 {
				assert.Equal(t, tc.wantProg, prog)
			}
		})
	}
}
