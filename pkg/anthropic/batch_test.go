package anthropic

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPollBatch_CompletesImmediately(t *testing.T) {
	mc := new(MockClient)

	mc.On("GetBatch", mock.Anything, "batch_123").Return(&BatchResponse{
		ID:               "batch_123",
		ProcessingStatus: "ended",
		RequestCounts:    RequestCounts{Succeeded: 5},
	}, nil)

	resp, err := PollBatch(context.Background(), mc, "batch_123",
		WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int64(5), resp.RequestCounts.Succeeded)

	mc.AssertExpectations(t)
}

// countingGetBatchMock is a mock that returns different responses based on
// call count, avoiding testify's functional return pattern.
type countingGetBatchMock struct {
	MockClient
	calls     atomic.Int32
	threshold int32
	endResp   *BatchResponse
}

func (m *countingGetBatchMock) GetBatch(_ context.Context, batchID string) (*BatchResponse, error) {
	n := m.calls.Add(1)
	if n < m.threshold {
		return &BatchResponse{
			ID:               batchID,
			ProcessingStatus: "in_progress",
		}, nil
	}
	return m.endResp, nil
}

func TestPollBatch_CompletesAfterRetries(t *testing.T) {
	mc := &countingGetBatchMock{
		threshold: 3,
		endResp: &BatchResponse{
			ID:               "batch_456",
			ProcessingStatus: "ended",
			RequestCounts:    RequestCounts{Succeeded: 10},
		},
	}

	resp, err := PollBatch(context.Background(), mc, "batch_456",
		WithPollInterval(10*time.Millisecond),
		WithPollCap(20*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int64(10), resp.RequestCounts.Succeeded)
	assert.Equal(t, int32(3), mc.calls.Load())
}

func TestPollBatch_Timeout(t *testing.T) {
	mc := new(MockClient)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	mc.On("GetBatch", mock.Anything, "batch_timeout").Return(&BatchResponse{
		ID:               "batch_timeout",
		ProcessingStatus: "in_progress",
	}, nil)

	_, err := PollBatch(ctx, mc, "batch_timeout",
		WithPollInterval(10*time.Millisecond),
		WithPollCap(15*time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollBatch_DefaultTimeout(t *testing.T) {
	mc := new(MockClient)

	mc.On("GetBatch", mock.Anything, "batch_def").Return(&BatchResponse{
		ID:               "batch_def",
		ProcessingStatus: "in_progress",
	}, nil)

	_, err := PollBatch(context.Background(), mc, "batch_def",
		WithPollInterval(5*time.Millisecond),
		WithPollCap(10*time.Millisecond),
		WithPollTimeout(50*time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollBatch_APIError(t *testing.T) {
	mc := new(MockClient)

	mc.On("GetBatch", mock.Anything, "batch_err").Return(nil, fmt.Errorf("api error: 500"))

	_, err := PollBatch(context.Background(), mc, "batch_err",
		WithPollInterval(10*time.Millisecond),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api error: 500")
}

func TestPollBatch_ObserverSeesProgress(t *testing.T) {
	mc := &countingGetBatchMock{
		threshold: 3,
		endResp:   &BatchResponse{ID: "msgbatch_obs", ProcessingStatus: "ended"},
	}

	var seen int
	_, err := PollBatch(context.Background(), mc, "msgbatch_obs",
		WithPollInterval(5*time.Millisecond),
		WithPollCap(10*time.Millisecond),
		WithPollObserver(func(b *BatchResponse) {
			seen++
			assert.Equal(t, "in_progress", b.ProcessingStatus)
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func TestPollBatch_ExpiredAndCanceled(t *testing.T) {
	for _, status := range []string{"expired", "canceling"} {
		t.Run(status, func(t *testing.T) {
			mc := new(MockClient)
			mc.On("GetBatch", mock.Anything, "msgbatch_x").Return(&BatchResponse{
				ID:               "msgbatch_x",
				ProcessingStatus: status,
			}, nil)

			resp, err := PollBatch(context.Background(), mc, "msgbatch_x", WithPollInterval(time.Millisecond))
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, status, resp.ProcessingStatus)
		})
	}
}

func TestCollectBatchResultsDetailed(t *testing.T) {
	items := []BatchResultItem{
		{CustomID: "SKU1", Type: "succeeded", Message: &MessageResponse{Content: []ContentBlock{{Type: "text", Text: `"a";"b"`}}}},
		{CustomID: "SKU2", Type: "errored"},
		{CustomID: "SKU3", Type: "succeeded", Message: &MessageResponse{Content: []ContentBlock{{Type: "text", Text: `"c";"d"`}}}},
		{CustomID: "SKU4", Type: "expired"},
	}

	result, err := CollectBatchResultsDetailed(NewMockBatchResultIterator(items))
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 2)
	assert.Equal(t, `"c";"d"`, result.Succeeded["SKU3"].Text())
	assert.Equal(t, []BatchFailure{
		{CustomID: "SKU2", Type: "errored"},
		{CustomID: "SKU4", Type: "expired"},
	}, result.Failures)
}

func TestCollectBatchResultsDetailed_IteratorError(t *testing.T) {
	items := []BatchResultItem{
		{CustomID: "SKU1", Type: "succeeded", Message: &MessageResponse{}},
	}

	_, err := CollectBatchResultsDetailed(NewMockBatchResultIteratorWithError(items, fmt.Errorf("stream interrupted")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream interrupted")
}
