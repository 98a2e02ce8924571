package progress

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &Recorder{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageUnitPending))
	hub.Emit(sampleEvent(StageUnitFetching))
	require.Eventually(t, func() bool {
		return len(sink.Events()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesPartialBatchOnTick(t *testing.T) {
	t.Parallel()

	sink := &Recorder{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageBatchStart))
	require.Eventually(t, func() bool {
		return len(sink.Events()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitDoesNotBlockWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageBatchStart))
	hub.Emit(sampleEvent(StageBatchStart))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), hub.Dropped(), "first drop is logged and reset, second is counted")
}

func TestHubCloseDrainsPending(t *testing.T) {
	t.Parallel()

	sink := &Recorder{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleEvent(StageUnitDone))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Events(), 1)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(sampleEvent(StageUnitDone))
	assert.Len(t, sink.Events(), 1, "emit after close is ignored")
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &Recorder{}
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	hub.Emit(Event{Stage: StageUnitDone})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Events())
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageBatchStart))
	assert.NoError(t, hub.Close(context.Background()))
}

func TestRecorderStagesIgnoresBatchEvents(t *testing.T) {
	t.Parallel()

	rec := &Recorder{}
	rec.Emit(sampleEvent(StageBatchStart))
	rec.Emit(sampleEvent(StageUnitPending))
	rec.Emit(sampleEvent(StageUnitFetching))
	rec.Emit(sampleEvent(StageUnitDone))
	assert.Equal(t, []Stage{StageUnitPending, StageUnitFetching, StageUnitDone}, rec.Stages(0))
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		BatchID: UUIDToBytes(uuid.New()),
		TS:      time.Now(),
		Stage:   stage,
		Site:    "example.com",
	}
	switch stage {
	case StageBatchStart, StageBatchDone, StageBatchError:
	default:
		evt.URL = "https://example.com/"
	}
	if stage == StageUnitDone {
		evt.StatusClass = Status2xx
	}
	if stage == StageUnitFailed {
		evt.ErrorKind = "transient"
	}
	return evt
}
