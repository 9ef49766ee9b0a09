package mention

import (
	"context"
	"fmt"
	"sync/atomic"

	"stillwaiting/internal/eventbus"
	"stillwaiting/internal/storage"
	kit "stillwaiting/internal/transport"
	logx "stillwaiting/pkg/logx"
)

// Recorder persists one obligation per extracted target.
type Recorder struct {
	ext   atomic.Pointer[Extractor]
	store storage.Obligations
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(ext *Extractor, store storage.Obligations, bus eventbus.Bus, log logx.Logger) *Recorder {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{store: store, bus: bus, log: log}
	r.ext.Store(ext)
	return r
}

// SetExtractor swaps the extractor, e.g. after a config reload.
func (r *Recorder) SetExtractor(ext *Extractor) { r.ext.Store(ext) }

// OnMessage records obligations for every target of m and returns how many
// were newly created. Duplicates are not errors. A failing save is logged and
// the remaining targets are still attempted.
func (r *Recorder) OnMessage(ctx context.Context, m kit.Message) (created int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("mention: panic: %v", rec)
			r.log.Error("recorder panic", logx.String("message_id", m.ID), logx.Any("panic", rec))
		}
	}()
	if m.Author.Bot {
		return 0, nil
	}
	targets := r.ext.Load().Targets(ctx, m)
	for _, u := range targets {
		o, ok, serr := r.store.SaveObligation(ctx, m.ID, m.ChannelID, u.ID)
		if serr != nil {
			r.log.Warn("save obligation failed", logx.String("message_id", m.ID), logx.String("user_id", u.ID), logx.Err(serr))
			err = serr
			continue
		}
		if !ok {
			continue
		}
		created++
		r.bus.Publish(eventbus.Event{Type: eventbus.ObligationCreated, Count: 1, Data: o})
	}
	if created > 0 {
		r.log.Debug("obligations recorded", logx.String("message_id", m.ID), logx.Int("created", created), logx.Int("targets", len(targets)))
	}
	return created, err
}
