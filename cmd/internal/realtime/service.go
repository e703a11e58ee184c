package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatroom/cmd/internal/bus"
	"chatroom/cmd/internal/chatlog"
	"chatroom/cmd/internal/metrics"
	v1 "chatroom/shared/contracts/realtime/v1"
)

const (
	defaultCountDelay     = 50 * time.Millisecond
	defaultPublishTimeout = 5 * time.Second
	defaultAppendTimeout  = 10 * time.Second
	sweepInterval         = 30 * time.Second
)

// Variant selects the payload shape sent to clients.
type Variant string

const (
	// VariantRich sends {alias, content, color} objects and does not replay
	// history to fresh clients.
	VariantRich Variant = "rich"
	// VariantSimple sends "alias: text" strings and replays the latest page to
	// fresh clients.
	VariantSimple Variant = "simple"
)

// ParseVariant maps a config string to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(s))) {
	case "", VariantRich:
		return VariantRich, nil
	case VariantSimple:
		return VariantSimple, nil
	default:
		return "", fmt.Errorf("realtime: unknown variant %q", s)
	}
}

// Service is the worker-side chat core: it owns sessions, talks to the
// durable log and the bus, and fans bus events out to the local registry.
type Service struct {
	log      *slog.Logger
	store    chatlog.Log
	bus      bus.Bus
	registry *Registry
	assigner *Assigner
	metrics  *metrics.Collectors

	origin   string
	variant  Variant
	encoding chatlog.Encoding

	countDelay     time.Duration
	publishTimeout time.Duration
	appendTimeout  time.Duration
}

// ServiceConfig carries the knobs of a Service. Zero values pick defaults.
type ServiceConfig struct {
	WorkerID string
	Variant  Variant
	Encoding chatlog.Encoding

	CountDelay     time.Duration
	PublishTimeout time.Duration
	AppendTimeout  time.Duration
}

// NewService wires a Service. A nil assigner or metrics gets a default.
func NewService(log *slog.Logger, store chatlog.Log, b bus.Bus, registry *Registry, assigner *Assigner, m *metrics.Collectors, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, errors.New("realtime: nil store")
	}
	if b == nil {
		return nil, errors.New("realtime: nil bus")
	}
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if assigner == nil {
		assigner = NewAssigner(nil)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.Variant == "" {
		cfg.Variant = VariantRich
	}
	if cfg.Encoding == "" {
		cfg.Encoding = chatlog.EncodingPlain
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = NewRandomHex(6)
	}

	return &Service{
		log:            log.With("worker_id", cfg.WorkerID),
		store:          store,
		bus:            b,
		registry:       registry,
		assigner:       assigner,
		metrics:        m,
		origin:         cfg.WorkerID,
		variant:        cfg.Variant,
		encoding:       cfg.Encoding,
		countDelay:     nonZero(cfg.CountDelay, defaultCountDelay),
		publishTimeout: nonZero(cfg.PublishTimeout, defaultPublishTimeout),
		appendTimeout:  nonZero(cfg.AppendTimeout, defaultAppendTimeout),
	}, nil
}

// Registry exposes the live connection set (for the connection gauge).
func (s *Service) Registry() *Registry { return s.registry }

// Run subscribes this worker to the bus and blocks until ctx is done or the
// subscription fails.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.Subscribe(ctx)
	if err != nil {
		return err
	}
	return s.Serve(sub)
}

// Subscribe makes this worker's registry a bus subscriber. Events published
// after it returns reach local clients.
func (s *Service) Subscribe(ctx context.Context) (*bus.Subscription, error) {
	sub, err := s.bus.Subscribe(ctx, s.deliver)
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribe: %w", err)
	}
	s.log.Info("realtime.bus.subscribed")
	return sub, nil
}

// Serve sweeps expired parked sessions until sub ends, and returns its error.
func (s *Service) Serve(sub *bus.Subscription) error {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-sub.Done():
			return sub.Err()
		case <-t.C:
			if n := s.registry.Sweep(); n > 0 {
				s.log.Debug("registry.sweep", "expired", n)
			}
		}
	}
}

// deliver turns one bus event into a wire envelope for every local client.
func (s *Service) deliver(ev bus.Event) {
	s.metrics.Deliveries.WithLabelValues(ev.Type).Inc()

	var (
		typ   string
		msgID int64
	)
	switch ev.Type {
	case bus.TypeMessageNew:
		typ = v1.TypeMessageNew
		var p v1.MessageNewPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			s.log.Warn("realtime.deliver.decode.fail", "event_id", ev.ID, "err", err)
			return
		}
		msgID = p.ID
	case bus.TypeServerNotice:
		typ = v1.TypeServerNotice
	case bus.TypeOnlineCount:
		typ = v1.TypeOnlineCount
	default:
		s.log.Warn("realtime.deliver.unknown_type", "event_id", ev.ID, "type", ev.Type)
		return
	}

	s.registry.Broadcast(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ev.ID,
		TS:      ev.TS,
		Payload: ev.Payload,
	}, msgID)
}

// publish is fire-and-forget toward recipients: the error only says the bus
// did not take the event.
func (s *Service) publish(ctx context.Context, typ string, payload any) error {
	ev, err := bus.NewEvent(s.origin, typ, payload)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	if err := s.bus.Publish(pctx, ev); err != nil {
		s.metrics.Broadcasts.WithLabelValues(typ, "error").Inc()
		return err
	}
	s.metrics.Broadcasts.WithLabelValues(typ, "ok").Inc()
	return nil
}

func (s *Service) publishNotice(ctx context.Context, text string) {
	if err := s.publish(ctx, bus.TypeServerNotice, v1.ServerNoticePayload{Text: text}); err != nil {
		s.log.Warn("realtime.notice.publish.fail", "err", err)
	}
}

func (s *Service) publishCount(ctx context.Context) {
	if err := s.publish(ctx, bus.TypeOnlineCount, v1.OnlineCountPayload{Count: s.registry.Count()}); err != nil {
		s.log.Warn("realtime.count.publish.fail", "err", err)
	}
}

// clientPayload renders content in the configured variant.
func (s *Service) clientPayload(c chatlog.Content) (json.RawMessage, error) {
	var v any = v1.MessagePayload{Alias: c.Alias, Content: c.Text, Color: c.Color}
	if s.variant == VariantSimple {
		v = chatlog.EncodePlain(c)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode payload: %w", err)
	}
	return b, nil
}

func nonZero(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
