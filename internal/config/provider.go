package config

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	pkgerrors "promorelay/pkg/errors"
)

var ErrStaticProvider = errors.New("config provider has no backing file")

// Provider holds the current configuration snapshot. Components read it
// through accessors on every cycle so that toggled active flags take effect on
// the next poll, drain or live event without a restart.
type Provider struct {
	v       *viper.Viper
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewProvider loads configFile and keeps it for Reload.
func NewProvider(configFile string) (*Provider, error) {
	v := newViper(configFile)
	cfg, err := readConfig(v)
	if err != nil {
		return nil, err
	}

	p := &Provider{v: v}
	p.current.Store(cfg)
	return p, nil
}

// NewStaticProvider wraps an in-memory configuration. Reload is not supported.
func NewStaticProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.current.Store(cfg)
	return p
}

func (p *Provider) Get() *Config {
	return p.current.Load()
}

func (p *Provider) Relay() RelayConfig {
	return p.Get().Relay
}

// Channels returns every configured channel, active or not.
func (p *Provider) Channels() []ChannelConfig {
	return append([]ChannelConfig(nil), p.Get().Channels...)
}

func (p *Provider) ActiveChannels() []ChannelConfig {
	var out []ChannelConfig
	for _, ch := range p.Get().Channels {
		if ch.Active {
			out = append(out, ch)
		}
	}
	return out
}

// LiveChannels returns channels that are both active and live-enabled.
func (p *Provider) LiveChannels() []ChannelConfig {
	var out []ChannelConfig
	for _, ch := range p.Get().Channels {
		if ch.Active && ch.LiveEnabled {
			out = append(out, ch)
		}
	}
	return out
}

// Channel looks a channel up by handle regardless of its active flag.
func (p *Provider) Channel(handle string) (ChannelConfig, bool) {
	for _, ch := range p.Get().Channels {
		if ch.Handle == handle {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

func (p *Provider) ActiveDestinations() []DestinationConfig {
	var out []DestinationConfig
	for _, d := range p.Get().Destinations {
		if d.Active {
			out = append(out, d)
		}
	}
	return out
}

// Update swaps the snapshot after validating it.
func (p *Provider) Update(cfg *Config) error {
	if err := ValidateStatic(cfg); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrMalformedConfig)
	}
	p.current.Store(cfg)
	p.notify(cfg)
	return nil
}

// Reload re-reads the backing file. A malformed file leaves the previous
// snapshot in place.
func (p *Provider) Reload() error {
	if p.v == nil {
		return ErrStaticProvider
	}

	p.mu.Lock()
	cfg, err := readConfig(p.v)
	p.mu.Unlock()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrMalformedConfig)
	}

	p.current.Store(cfg)
	p.notify(cfg)
	return nil
}

// OnChange registers fn to run after every successful swap.
func (p *Provider) OnChange(fn func(*Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Watch reloads on file changes. Reload errors go to onError.
func (p *Provider) Watch(onError func(error)) {
	if p.v == nil {
		return
	}
	p.v.OnConfigChange(func(fsnotify.Event) {
		if err := p.Reload(); err != nil && onError != nil {
			onError(err)
		}
	})
	p.v.WatchConfig()
}

func (p *Provider) notify(cfg *Config) {
	p.mu.Lock()
	listeners := make([]func(*Config), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}
