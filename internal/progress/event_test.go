package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := sampleEvent(StageUnitDone)
	assert.NoError(t, valid.Validate())

	cases := map[string]func(*Event){
		"missing batch":     func(e *Event) { e.BatchID = [16]byte{} },
		"missing ts":        func(e *Event) { e.TS = time.Time{} },
		"unknown stage":     func(e *Event) { e.Stage = "NOPE" },
		"done without site": func(e *Event) { e.Site = "" },
		"negative index":    func(e *Event) { e.Index = -1 },
		"negative duration": func(e *Event) { e.Dur = -time.Second },
	}
	for name, mutate := range cases {
		evt := valid
		mutate(&evt)
		assert.Error(t, evt.Validate(), name)
	}

	failed := sampleEvent(StageUnitFailed)
	assert.NoError(t, failed.Validate())
	failed.ErrorKind = ""
	assert.Error(t, failed.Validate())
}

func TestUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	evt := Event{BatchID: UUIDToBytes(id)}
	assert.Equal(t, id, evt.BatchUUID())
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Status2xx, ClassifyStatus(204))
	assert.Equal(t, Status3xx, ClassifyStatus(301))
	assert.Equal(t, Status4xx, ClassifyStatus(404))
	assert.Equal(t, Status5xx, ClassifyStatus(503))
	assert.Equal(t, StatusOther, ClassifyStatus(0))
}
