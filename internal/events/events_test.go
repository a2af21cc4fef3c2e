package events_test

import (
	"testing"

	"adaptivecore/internal/events"
	"github.com/stretchr/testify/assert"
)

func TestOnReceivesOnlyMatchingKind(t *testing.T) {
	bus := events.NewBus()
	var bufferingCount, errorCount int
	bus.On(events.KindBuffering, func(e events.Event) { bufferingCount++ })
	bus.On(events.KindError, func(e events.Event) { errorCount++ })

	bus.Emit(events.Event{Kind: events.KindBuffering, Data: events.BufferingData{Buffering: true}})
	bus.Emit(events.Event{Kind: events.KindBuffering, Data: events.BufferingData{Buffering: false}})

	assert.Equal(t, 2, bufferingCount)
	assert.Equal(t, 0, errorCount)
}

func TestOnAnyReceivesEveryKind(t *testing.T) {
	bus := events.NewBus()
	var all []events.Kind
	bus.OnAny(func(e events.Event) { all = append(all, e.Kind) })

	bus.Emit(events.Event{Kind: events.KindLoading})
	bus.Emit(events.Event{Kind: events.KindAdaptation, Data: events.AdaptationData{VariantID: "v1"}})

	assert.Equal(t, []events.Kind{events.KindLoading, events.KindAdaptation}, all)
}
