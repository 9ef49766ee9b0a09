package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stillwaiting/internal/eventbus"
	kit "stillwaiting/internal/transport"
	logx "stillwaiting/pkg/logx"
)

var ErrStopped = errors.New("notifier stopped")

// Outbound is the part of the platform adapter the notifier drives.
type Outbound interface {
	SendText(ctx context.Context, channelID, text string) (kit.MessageRef, error)
	Reply(ctx context.Context, to kit.MessageRef, text string) (kit.MessageRef, error)
}

// Service paces, retries, and records outbound messages.
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	out     Outbound
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter
	stopped bool

	stopCtx  context.Context
	stopFn   context.CancelFunc
	inflight sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, out Outbound, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{out: out, log: log, bus: bus, stopCtx: ctx, stopFn: cancel}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	s.cfg = cfg

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(limit, 1)
		return
	}
	// Keep the bucket state so a reload does not grant an extra token.
	s.limiter.SetLimit(limit)
}

// SendText posts text to a channel. It blocks until the message is sent,
// retries are exhausted, or ctx is done.
func (s *Service) SendText(ctx context.Context, channelID, text string) error {
	return s.deliver(ctx, channelID, nil, text)
}

// Reply posts text as a reply to an existing message.
func (s *Service) Reply(ctx context.Context, to kit.MessageRef, text string) error {
	return s.deliver(ctx, to.ChannelID, &to, text)
}

// deliver splits text into platform-sized chunks. Every chunk waits for its
// own limiter token and is retried on its own; a chunk that was delivered is
// never posted again. Only the first chunk carries the reply reference.
func (s *Service) deliver(ctx context.Context, channelID string, to *kit.MessageRef, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg := s.cfg
	lim := s.limiter
	out := s.out
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if out == nil {
		return errors.New("notifier: no outbound adapter")
	}

	// Stop aborts waits that are still queued on the limiter or backing off.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(s.stopCtx, cancel)
	defer release()

	chunks := splitText(text, cfg.MaxLength)
	attempts := 0
	for i, chunk := range chunks {
		call := func(c context.Context) error {
			_, err := out.SendText(c, channelID, chunk)
			return err
		}
		if i == 0 && to != nil {
			ref := *to
			call = func(c context.Context) error {
				_, err := out.Reply(c, ref, chunk)
				return err
			}
		}
		n, err := s.attempt(runCtx, cfg, lim, channelID, call)
		attempts += n
		if err != nil {
			if len(chunks) > 1 {
				err = fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			s.appendHistory(channelID, text, err)
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifierFailed, Data: NotificationEvent{ChannelID: channelID, Reply: to != nil, Attempts: attempts, Chunks: i, At: time.Now(), Error: err.Error()}})
			return err
		}
	}

	s.appendHistory(channelID, text, nil)
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifierSent, Data: NotificationEvent{ChannelID: channelID, Reply: to != nil, Attempts: attempts, Chunks: len(chunks), At: time.Now()}})
	return nil
}

// attempt posts one platform message, waiting for a limiter token before every try.
func (s *Service) attempt(ctx context.Context, cfg Config, lim *rate.Limiter, channelID string, call func(context.Context) error) (int, error) {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return attempt - 1, err
		}

		callCtx, cancelCall := context.WithTimeout(ctx, cfg.SendTimeout)
		err := call(callCtx)
		cancelCall()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("channel_id", channelID), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if !retryable(err) || attempt >= maxAttempts || ctx.Err() != nil {
			return attempt, lastErr
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		}
	}
	return maxAttempts, lastErr
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, kit.ErrNotFound), errors.Is(err, kit.ErrForbidden):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Stop rejects new sends, aborts queued waits, and waits for in-flight calls until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.stopFn()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier stop timed out with sends in flight")
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(channelID, text string, err error) {
	it := HistoryItem{At: time.Now(), ChannelID: channelID, Text: text}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
