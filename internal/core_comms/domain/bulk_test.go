package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		counts []StatusCount
		want   Progress
	}{
		{
			name:  "empty bulk",
			total: 0,
			want:  Progress{},
		},
		{
			name:   "all pending",
			total:  3,
			counts: []StatusCount{{Status: StatusQueued, Count: 2}, {Status: StatusPending, Count: 1}},
			want:   Progress{Total: 3, Pending: 3},
		},
		{
			name:  "mixed outcomes",
			total: 8,
			counts: []StatusCount{
				{Status: StatusSent, Count: 2},
				{Status: StatusDelivered, Count: 2},
				{Status: StatusBounced, Count: 1},
				{Status: StatusFailed, Count: 1},
				{Status: StatusFailed, RetryScheduled: true, Count: 1},
				{Status: StatusSending, Count: 1},
			},
			want: Progress{Total: 8, Sent: 2, Delivered: 2, Failed: 2, Pending: 2, Percentage: 75},
		},
		{
			name:  "cancelled and expired count as failed",
			total: 3,
			counts: []StatusCount{
				{Status: StatusCancelled, Count: 1},
				{Status: StatusExpired, Count: 1},
				{Status: StatusDelivered, Count: 1},
			},
			want: Progress{Total: 3, Delivered: 1, Failed: 2, Percentage: 100},
		},
		{
			name:   "rounding",
			total:  3,
			counts: []StatusCount{{Status: StatusSent, Count: 2}, {Status: StatusQueued, Count: 1}},
			want:   Progress{Total: 3, Sent: 2, Pending: 1, Percentage: 67},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeProgress(tt.total, tt.counts)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.Total, got.Sent+got.Delivered+got.Failed+got.Pending)
		})
	}
}

func TestDeriveBulkStatus(t *testing.T) {
	assert.Equal(t, BulkStatusCompleted, DeriveBulkStatus(BulkStatusSending, Progress{Total: 2, Sent: 1, Failed: 1}, false))
	assert.Equal(t, BulkStatusFailed, DeriveBulkStatus(BulkStatusSending, Progress{Total: 2, Failed: 2}, false))
	assert.Equal(t, BulkStatusSending, DeriveBulkStatus(BulkStatusSending, Progress{Total: 2, Sent: 1, Pending: 1}, false))
	assert.Equal(t, BulkStatusScheduled, DeriveBulkStatus(BulkStatusScheduled, Progress{Total: 2, Pending: 2}, true))
	assert.Equal(t, BulkStatusCancelled, DeriveBulkStatus(BulkStatusCancelled, Progress{Total: 2, Pending: 2}, false))
}
