package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenScanCore/internal/surface"
	"go.uber.org/zap"
)

const forwardBuffer = 64

// Publisher is the broker side of the forwarder.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Forwarder publishes surface updates under <prefix>/<surface>/<kind>.
// Snapshots are retained so late subscribers see the current state.
type Forwarder struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewForwarder(pub Publisher, prefix string, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		pub:    pub,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

func (f *Forwarder) Topic(surfaceName string, kind surface.UpdateKind) string {
	parts := []string{surfaceName, string(kind)}
	if f.prefix != "" {
		parts = append([]string{f.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// Attach forwards updates of s until ctx ends or the surface closes.
func (f *Forwarder) Attach(ctx context.Context, s *surface.Surface) {
	updates, cancel := s.Subscribe(forwardBuffer)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				f.forward(s.Name(), u)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *Forwarder) forward(name string, u surface.Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		f.logger.Error("Failed to encode surface update", zap.Error(err))
		return
	}

	topic := f.Topic(name, u.Kind)
	if err := f.pub.Publish(topic, payload, u.Kind == surface.UpdateSnapshot); err != nil {
		f.logger.Warn("Failed to publish surface update",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// Wait blocks until all attached surfaces stopped forwarding.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}
