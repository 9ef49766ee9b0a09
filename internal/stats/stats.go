// Package stats keeps platform counters in storage and mirrors them, along
// with obligation lifecycle counts, as Prometheus metrics.
package stats

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stillwaiting/internal/eventbus"
	"stillwaiting/internal/storage"
	kit "stillwaiting/internal/transport"
	logx "stillwaiting/pkg/logx"
)

// GuildLister reports the guilds the bot can see.
type GuildLister interface {
	Guilds(ctx context.Context) ([]kit.Guild, error)
}

// Metrics are exported under the stillwaiting_ namespace.
type Metrics struct {
	Messages    prometheus.Counter
	Guilds      prometheus.Gauge
	Users       prometheus.Gauge
	Obligations *prometheus.CounterVec // {event}
	Ticks       prometheus.Counter
	Sends       *prometheus.CounterVec // {result}
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stillwaiting", Name: "messages_total",
			Help: "Human messages observed.",
		}),
		Guilds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stillwaiting", Name: "guilds",
			Help: "Guilds the bot is a member of.",
		}),
		Users: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stillwaiting", Name: "users",
			Help: "Human members across all guilds at the last count.",
		}),
		Obligations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stillwaiting", Name: "obligations_total",
			Help: "Obligation lifecycle transitions.",
		}, []string{"event"}),
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stillwaiting", Name: "reminder_ticks_total",
			Help: "Completed expiry scans.",
		}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stillwaiting", Name: "notifier_sends_total",
			Help: "Outbound messages by result.",
		}, []string{"result"}),
	}
}

// Sink is fire-and-forget: storage failures are logged and never returned.
// A nil *Sink is valid and does nothing.
type Sink struct {
	store   storage.Stats
	metrics *Metrics
	log     logx.Logger

	mu       sync.Mutex
	stopSub  func()
	consumer sync.WaitGroup
}

func New(store storage.Stats, metrics *Metrics, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{store: store, metrics: metrics, log: log}
}

func (s *Sink) IncrementMessageCount(ctx context.Context) {
	if s == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.Messages.Inc()
	}
	if err := s.store.IncrementStat(ctx, storage.MetricMessageCount); err != nil {
		s.log.Warn("increment message count failed", logx.Err(err))
	}
}

func (s *Sink) SetGuildCount(ctx context.Context, n int) {
	if s == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.Guilds.Set(float64(n))
	}
	if err := s.store.SetStat(ctx, storage.MetricGuildCount, int64(n)); err != nil {
		s.log.Warn("set guild count failed", logx.Err(err))
	}
}

func (s *Sink) SetUserCount(ctx context.Context, n int) {
	if s == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.Users.Set(float64(n))
	}
	if err := s.store.SetStat(ctx, storage.MetricUserCount, int64(n)); err != nil {
		s.log.Warn("set user count failed", logx.Err(err))
	}
}

// RefreshUserCount sums human members over every guild. It is meant to run
// as a scheduled job.
func (s *Sink) RefreshUserCount(ctx context.Context, guilds GuildLister) error {
	if s == nil {
		return nil
	}
	gs, err := guilds.Guilds(ctx)
	if err != nil {
		s.log.Warn("guild listing failed", logx.Err(err))
		return err
	}
	total := 0
	for _, g := range gs {
		total += g.HumanCount
	}
	s.SetUserCount(ctx, total)
	s.log.Info("user count updated", logx.Int("guilds", len(gs)), logx.Int("users", total))
	return nil
}

// Consume feeds lifecycle metrics from bus until ctx is done or Close is called.
func (s *Sink) Consume(ctx context.Context, bus eventbus.Bus) {
	if s == nil || s.metrics == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(256)
	s.mu.Lock()
	s.stopSub = unsub
	s.mu.Unlock()

	s.consumer.Add(1)
	go func() {
		defer s.consumer.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				s.observe(e)
			}
		}
	}()
}

func (s *Sink) observe(e eventbus.Event) {
	n := float64(e.Count)
	if n <= 0 {
		n = 1
	}
	switch e.Type {
	case eventbus.ObligationCreated:
		s.metrics.Obligations.WithLabelValues("created").Add(n)
	case eventbus.ObligationCleared:
		s.metrics.Obligations.WithLabelValues("cleared").Add(n)
	case eventbus.ObligationReminded:
		s.metrics.Obligations.WithLabelValues("reminded").Add(n)
	case eventbus.ObligationDropped:
		s.metrics.Obligations.WithLabelValues("dropped").Add(n)
	case eventbus.ReminderTick:
		s.metrics.Ticks.Inc()
	case eventbus.NotifierSent:
		s.metrics.Sends.WithLabelValues("sent").Inc()
	case eventbus.NotifierFailed:
		s.metrics.Sends.WithLabelValues("failed").Inc()
	}
}

// Close stops the bus consumer.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	unsub := s.stopSub
	s.stopSub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.consumer.Wait()
}
