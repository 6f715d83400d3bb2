// Package config loads the device configuration and publishes every
// top-level key as a retained message on config/<key>.
package config

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/riot-framework/riot-core/bus"
	"github.com/riot-framework/riot-core/errcode"
	"github.com/riot-framework/riot-core/types"
)

const configPrefix = "config"

//go:embed defaults/*.yaml
var defaults embed.FS

// Embedded returns the built-in configuration for a device profile.
func Embedded(device string) ([]byte, bool) {
	b, err := defaults.ReadFile("defaults/" + device + ".yaml")
	if err != nil {
		return nil, false
	}
	return b, true
}

// Decoder turns the YAML node under a top-level key into the payload
// published for it.
type Decoder func(*yaml.Node) (any, error)

func decodeAs[T any](n *yaml.Node) (any, error) {
	var v T
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Keys the services consume get typed payloads; anything else is
// published as generic YAML data.
var decoders = map[string]Decoder{
	"hal":       decodeAs[types.HALConfig],
	"heartbeat": decodeAs[types.HeartbeatConfig],
	"bridge":    decodeAs[types.BridgeConfig],
}

// Parse splits a YAML document into per-key payloads.
func Parse(raw []byte) (map[string]any, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errcode.Wrap(errcode.InvalidPayload, "config", err)
	}
	out := make(map[string]any, len(doc))
	for k, n := range doc {
		dec, ok := decoders[k]
		if !ok {
			dec = decodeAs[any]
		}
		v, err := dec(&n)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidPayload, "config."+k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Service publishes configuration from a file or an embedded profile.
type Service struct {
	log    *slog.Logger
	source func() ([]byte, error)
	keys   map[string]struct{} // currently published
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithFile reads the configuration from path on every load.
func WithFile(path string) Option {
	return func(s *Service) {
		s.source = func() ([]byte, error) { return os.ReadFile(path) }
	}
}

// WithDevice uses the embedded profile for device.
func WithDevice(device string) Option {
	return func(s *Service) {
		s.source = func() ([]byte, error) {
			b, ok := Embedded(device)
			if !ok {
				return nil, fmt.Errorf("no embedded config for device %q", device)
			}
			return b, nil
		}
	}
}

// WithBytes serves a fixed document.
func WithBytes(raw []byte) Option {
	return func(s *Service) {
		s.source = func() ([]byte, error) { return raw, nil }
	}
}

func New(opts ...Option) *Service {
	s := &Service{log: slog.Default(), keys: map[string]struct{}{}}
	for _, o := range opts {
		o(s)
	}
	if s.source == nil {
		WithDevice("sim")(s)
	}
	return s
}

// Publish loads the configuration and publishes one retained message per
// key. Keys that disappeared since the last publish are cleared. On error
// nothing is published and the previous configuration stays in place.
func (s *Service) Publish(conn *bus.Connection) error {
	raw, err := s.source()
	if err != nil {
		return err
	}
	cfg, err := Parse(raw)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), cfg[k], true))
		delete(s.keys, k)
	}
	for k := range s.keys {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), nil, true))
		s.log.Info("config key removed", "key", k)
	}
	s.keys = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	s.log.Info("config published", "keys", keys)
	return nil
}

// Run publishes once, then again on every reload signal until ctx is
// done. Only the first load is fatal.
func (s *Service) Run(ctx context.Context, conn *bus.Connection, reload <-chan struct{}) error {
	if err := s.Publish(conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reload:
			if err := s.Publish(conn); err != nil {
				s.log.Warn("config reload failed", "err", err)
			}
		}
	}
}
