// Package registry resolves transport drivers by name from configuration.
//
// A Registry caches the most recently resolved driver. Each Registry is an
// independent value, so two coordinators in one process can hold different
// driver selections.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/eventmesh/config"
	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/transport"
	"github.com/goclaw/eventmesh/pkg/transport/amqpdriver"
	"github.com/goclaw/eventmesh/pkg/transport/cloudevents"
	"github.com/goclaw/eventmesh/pkg/transport/grpcdriver"
	"github.com/goclaw/eventmesh/pkg/transport/httpdriver"
	"github.com/goclaw/eventmesh/pkg/transport/kafkadriver"
	"github.com/goclaw/eventmesh/pkg/transport/memory"
	"github.com/goclaw/eventmesh/pkg/transport/mqttdriver"
	"github.com/goclaw/eventmesh/pkg/transport/natsdriver"
	"github.com/goclaw/eventmesh/pkg/transport/redisdriver"
)

// UnknownDriverError is returned for a driver name with no factory.
type UnknownDriverError struct {
	Name  string
	Known []string
}

func (e *UnknownDriverError) Error() string {
	return fmt.Sprintf("unsupported transport driver %q (supported: %s)", e.Name, strings.Join(e.Known, ", "))
}

// DecoratorLoopError is returned when a decorator chain resolves back to a
// driver that is already being built.
type DecoratorLoopError struct {
	Chain []string
}

func (e *DecoratorLoopError) Error() string {
	return fmt.Sprintf("transport driver chain loops: %s", strings.Join(e.Chain, " -> "))
}

// Factory builds an unconnected driver. Decorators resolve their inner
// driver through b.Build.
type Factory func(ctx context.Context, b *Builder) (transport.Driver, error)

// Builder is handed to a Factory while a driver is being built.
type Builder struct {
	reg   *Registry
	chain []string
}

// Config returns the transport configuration of the registry.
func (b *Builder) Config() config.TransportConfig {
	return b.reg.cfg
}

// Logger returns the registry logger.
func (b *Builder) Logger() logger.Logger {
	return b.reg.log
}

// Recorder returns the metrics recorder, or nil.
func (b *Builder) Recorder() transport.Recorder {
	return b.reg.recorder
}

// Bus returns the in-process bus shared by every memory driver of the registry.
func (b *Builder) Bus() *memory.Bus {
	return b.reg.bus
}

// Source returns the CloudEvents source used by the envelope decorator.
func (b *Builder) Source() string {
	if s := b.reg.cfg.Drivers.CloudEvents.Source; s != "" {
		return s
	}
	return b.reg.source
}

// Build resolves another driver by name without touching the cache.
func (b *Builder) Build(ctx context.Context, name string) (transport.Driver, error) {
	for _, seen := range b.chain {
		if seen == name {
			chain := append(append([]string{}, b.chain...), name)
			return nil, &DecoratorLoopError{Chain: chain}
		}
	}
	factory, err := b.reg.factory(name)
	if err != nil {
		return nil, err
	}
	next := &Builder{reg: b.reg, chain: append(append([]string{}, b.chain...), name)}
	return factory(ctx, next)
}

// Registry selects and caches the active transport driver.
type Registry struct {
	cfg      config.TransportConfig
	log      logger.Logger
	recorder transport.Recorder
	source   string
	bus      *memory.Bus

	mu         sync.Mutex
	factories  map[string]Factory
	active     transport.Driver
	activeName string
	retired    []transport.Driver
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger handed to every driver.
func WithLogger(log logger.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRecorder sets the metrics recorder handed to every driver.
func WithRecorder(rec transport.Recorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// WithSource sets the fallback CloudEvents source, normally the app name.
func WithSource(source string) Option {
	return func(r *Registry) {
		r.source = source
	}
}

// WithBus shares an existing in-process bus with the memory driver.
func WithBus(bus *memory.Bus) Option {
	return func(r *Registry) {
		if bus != nil {
			r.bus = bus
		}
	}
}

// New creates a registry with factories for every built-in driver.
func New(cfg config.TransportConfig, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		log:       logger.Global(),
		source:    "eventmesh",
		bus:       memory.NewBus(),
		factories: make(map[string]Factory),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.factories[httpdriver.Name] = newHTTP
	r.factories[mqttdriver.Name] = newMQTT
	r.factories[grpcdriver.Name] = newGRPC
	r.factories[cloudevents.Name] = newCloudEvents
	r.factories[redisdriver.Name] = newRedis
	r.factories[natsdriver.Name] = newNATS
	r.factories[kafkadriver.Name] = newKafka
	r.factories[amqpdriver.Name] = newAMQP
	r.factories[memory.Name] = newMemory
	return r
}

// RegisterFactory adds or replaces the factory for name.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns the registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the configured default driver name.
func (r *Registry) DefaultName() string {
	if r.cfg.Default == "" {
		return httpdriver.Name
	}
	return r.cfg.Default
}

func (r *Registry) factory(name string) (Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, &UnknownDriverError{Name: name, Known: r.namesLocked()}
	}
	return f, nil
}

// Driver resolves name, or the default driver when name is empty. The same
// name as the last call returns the cached instance without reconnecting.
// A newly built driver is connected when auto_connect is set.
func (r *Registry) Driver(ctx context.Context, name string) (transport.Driver, error) {
	if name == "" {
		name = r.DefaultName()
	}

	r.mu.Lock()
	if r.active != nil && r.activeName == name {
		d := r.active
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	d, err := r.Build(ctx, name)
	if err != nil {
		return nil, err
	}

	if r.cfg.AutoConnect && !d.Connect(ctx) {
		r.log.Warn("transport driver auto connect failed", "driver", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.activeName == name {
		// Lost a race with another resolver of the same name.
		r.retired = append(r.retired, d)
		return r.active, nil
	}
	if r.active != nil {
		r.retired = append(r.retired, r.active)
	}
	r.active = d
	r.activeName = name
	r.log.Debug("transport driver resolved", "driver", name)
	return d, nil
}

// Build creates a fresh unconnected driver for name without caching it.
func (r *Registry) Build(ctx context.Context, name string) (transport.Driver, error) {
	return (&Builder{reg: r}).Build(ctx, name)
}

// Active returns the cached driver, or nil before the first resolution.
func (r *Registry) Active() transport.Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Bus returns the in-process bus used by memory drivers.
func (r *Registry) Bus() *memory.Bus {
	return r.bus
}

// Deliver hands an inbound message to every driver in the active chain that
// accepts pushed messages, such as the http driver behind the webhook.
func (r *Registry) Deliver(ctx context.Context, msg *transport.Message) int {
	d := r.Active()
	delivered := 0
	for d != nil {
		if dl, ok := d.(transport.Deliverer); ok {
			delivered += dl.Deliver(ctx, msg)
		}
		u, ok := d.(interface{ Underlying() transport.Driver })
		if !ok {
			break
		}
		d = u.Underlying()
	}
	return delivered
}

// Close disconnects the active driver and every driver it replaced.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	drivers := append(r.retired, r.active)
	r.retired = nil
	r.active = nil
	r.activeName = ""
	r.mu.Unlock()

	var failed []string
	for _, d := range drivers {
		if d == nil {
			continue
		}
		if !d.Disconnect(ctx) {
			failed = append(failed, d.Name())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to disconnect transport drivers: %s", strings.Join(failed, ", "))
	}
	return nil
}

func newHTTP(_ context.Context, b *Builder) (transport.Driver, error) {
	c := b.Config().Drivers.HTTP
	return httpdriver.New(httpdriver.Config{
		BaseURL: c.BaseURL,
		Timeout: c.Timeout,
	}, httpdriver.WithLogger(b.Logger()), httpdriver.WithRecorder(b.Recorder())), nil
}

func newMQTT(_ context.Context, b *Builder) (transport.Driver, error) {
	c := b.Config().Drivers.MQTT
	return mqttdriver.New(mqttdriver.Config{
		Host:      c.Host,
		Port:      c.Port,
		Username:  c.Username,
		Password:  c.Password,
		ClientID:  c.ClientID,
		KeepAlive: c.KeepAlive,
		QoS:       c.QoS,
		Timeout:   c.Timeout,
	}, mqttdriver.WithLogger(b.Logger()), mqttdriver.WithRecorder(b.Recorder())), nil
}

func newGRPC(_ context.Context, b *Builder) (transport.Driver, error) {
	c := b.Config().Drivers.GRPC
	return grpcdriver.New(grpcdriver.Config{
		Host:      c.Host,
		KeepAlive: c.KeepAlive,
		Timeout:   c.Timeout,
	}, grpcdriver.WithLogger(b.Logger()), grpcdriver.WithRecorder(b.Recorder())), nil
}

func newCloudEvents(ctx context.Context, b *Builder) (transport.Driver, error) {
	underlying := b.Config().Drivers.CloudEvents.UnderlyingDriver
	if underlying == "" {
		underlying = httpdriver.Name
	}
	inner, err := b.Build(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("cloudevents underlying driver: %w", err)
	}
	return cloudevents.New(inner, b.Source(), cloudevents.WithLogger(b.Logger())), nil
}

func newRedis(_ context.Context, b *Builder) (transport.Driver, error) {
	c := b.Config().Drivers.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	return redisdriver.New(client, redisdriver.Config{
		ChannelPrefix: c.ChannelPrefix,
	}, redisdriver.WithLogger(b.Logger()), redisdriver.WithRecorder(b.Recorder()), redisdriver.WithOwnedClient()), nil
}

func newNATS(_ context.Context, b *Builder) (transport.Driver, error) {
	c := b.Config().Drivers.NATS
	return natsdriver.New(natsdriver.Config{
		URL:     c.URL,
		Name:    c.Name,
		Timeout: c.Timeout,
	}, natsdriver.WithLogger(b.Logger()), natsdriver.WithRecorder(b.Recorder())), nil
}

func newKafka(_ context.Context, b *Builder) (transport.Driver, error) {
	c := b.Config().Drivers.Kafka
	return kafkadriver.New(kafkadriver.Config{
		Brokers: c.Brokers,
		GroupID: c.GroupID,
		Timeout: c.Timeout,
	}, kafkadriver.WithLogger(b.Logger()), kafkadriver.WithRecorder(b.Recorder())), nil
}

func newAMQP(_ context.Context, b *Builder) (transport.Driver, error) {
	c := b.Config().Drivers.AMQP
	return amqpdriver.New(amqpdriver.Config{
		URL:         c.URL,
		Exchange:    c.Exchange,
		Timeout:     c.Timeout,
		QueuePrefix: c.QueuePrefix,
	}, amqpdriver.WithLogger(b.Logger()), amqpdriver.WithRecorder(b.Recorder())), nil
}

func newMemory(_ context.Context, b *Builder) (transport.Driver, error) {
	return memory.NewDriver(b.Bus(), memory.WithLogger(b.Logger()), memory.WithRecorder(b.Recorder())), nil
}
