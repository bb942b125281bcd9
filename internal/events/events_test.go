package events

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagami-ai/kagami/internal/model"
)

type recorder struct {
	name  string
	log   *[]string
	panic bool
}

func (r *recorder) OnUpdate(Update)         { r.record("update") }
func (r *recorder) OnConflict(Conflict)     { r.record("conflict") }
func (r *recorder) OnObserveComplete(ObserveComplete) {
	r.record("observe_complete")
}

func (r *recorder) record(kind string) {
	*r.log = append(*r.log, r.name+":"+kind)
	if r.panic {
		panic("listener blew up")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliversInRegistrationOrder(t *testing.T) {
	var log []string
	e := NewEmitter(discardLogger())
	e.Register(&recorder{name: "a", log: &log})
	e.Register(&recorder{name: "b", log: &log})

	e.Update(Update{Subject: "u1", Updated: map[string]any{"role": "cto"}})
	e.Conflict(Conflict{Subject: "u1", Rejections: []model.Rejection{{Field: "role", Reason: model.ReasonLowerPriority}}})

	assert.Equal(t, []string{"a:update", "b:update", "a:conflict", "b:conflict"}, log)
}

func TestPanickingListenerDoesNotStarveOthers(t *testing.T) {
	var log []string
	e := NewEmitter(discardLogger())
	e.Register(&recorder{name: "a", log: &log, panic: true})
	e.Register(&recorder{name: "b", log: &log})

	require.NotPanics(t, func() {
		e.ObserveComplete(ObserveComplete{Subject: "u1", RequestID: "r1"})
	})
	assert.Equal(t, []string{"a:observe_complete", "b:observe_complete"}, log)
}

func TestNoListenersIsANoOp(t *testing.T) {
	e := NewEmitter(discardLogger())
	assert.NotPanics(t, func() { e.Update(Update{Subject: "u1"}) })
}
