package mediasource_test

import (
	"context"
	"testing"

	"adaptivecore/internal/mediasource"
	"adaptivecore/internal/segmentindex"
	"github.com/stretchr/testify/assert"
)

func TestAppendBufferIsVisibleInBufferedRange(t *testing.T) {
	sink := newFakeSink()
	eng := mediasource.New(sink)
	ctx := context.Background()

	err := eng.AppendBuffer(ctx, mediasource.TypeVideo, []byte("data"), 0, 12, false)
	assert.NoError(t, err)

	assert.Equal(t, 12.0, eng.BufferedAheadOf(mediasource.TypeVideo, 0))
}

func TestAppendInitIsIdempotent(t *testing.T) {
	sink := newFakeSink()
	eng := mediasource.New(sink)
	ctx := context.Background()

	ref := &segmentindex.InitSegment{URIs: []string{"init.mp4"}}
	assert.NoError(t, eng.AppendInit(ctx, mediasource.TypeVideo, []byte("x"), ref))
	assert.NoError(t, eng.AppendInit(ctx, mediasource.TypeVideo, []byte("x"), ref))

	// Same init ref by value: second append should have been skipped, so
	// buffered range should still only reflect one append's worth of data
	// (init appends use the empty [0,0] window, so we check the sink call
	// count indirectly through buffered range length instead).
	assert.Len(t, sink.BufferedRange(mediasource.TypeVideo), 1)
}

func TestQuotaExceededClassification(t *testing.T) {
	sink := newFakeSink()
	sink.rejectQuota = true
	eng := mediasource.New(sink)
	ctx := context.Background()

	err := eng.AppendBuffer(ctx, mediasource.TypeVideo, []byte("x"), 0, 10, false)
	assert.Error(t, err)
}

func TestRemoveIsHalfOpenAndTolerant(t *testing.T) {
	sink := newFakeSink()
	eng := mediasource.New(sink)
	ctx := context.Background()

	assert.NoError(t, eng.AppendBuffer(ctx, mediasource.TypeAudio, []byte("x"), 0, 10, false))
	assert.NoError(t, eng.Remove(ctx, mediasource.TypeAudio, 20, 30)) // non-buffered range, tolerated
	assert.Equal(t, 10.0, eng.BufferedAheadOf(mediasource.TypeAudio, 0))

	assert.NoError(t, eng.Remove(ctx, mediasource.TypeAudio, 5, 10))
	assert.Equal(t, 5.0, eng.BufferedAheadOf(mediasource.TypeAudio, 0))
}

func TestClearRemovesEverything(t *testing.T) {
	sink := newFakeSink()
	eng := mediasource.New(sink)
	ctx := context.Background()

	assert.NoError(t, eng.AppendBuffer(ctx, mediasource.TypeVideo, []byte("x"), 0, 10, false))
	assert.NoError(t, eng.Clear(ctx, mediasource.TypeVideo))
	assert.Equal(t, 0.0, eng.BufferedAheadOf(mediasource.TypeVideo, 0))
}

func TestOperationAbortedOnCancelledContext(t *testing.T) {
	sink := newFakeSink()
	eng := mediasource.New(sink)

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	err := eng.AppendBuffer(cctx, mediasource.TypeVideo, []byte("x"), 0, 10, false)
	assert.Error(t, err)
}
