package di

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/alert"
	"github.com/settleline/recond/internal/bus"
	"github.com/settleline/recond/internal/config"
	"github.com/settleline/recond/internal/connections"
	"github.com/settleline/recond/internal/fx"
	"github.com/settleline/recond/internal/intake"
	"github.com/settleline/recond/internal/ledger"
	"github.com/settleline/recond/internal/logging"
	"github.com/settleline/recond/internal/matching"
	"github.com/settleline/recond/internal/metrics"
	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/normalizer"
	"github.com/settleline/recond/internal/parser"
	"github.com/settleline/recond/internal/pipeline"
	"github.com/settleline/recond/internal/reprocess"
	"github.com/settleline/recond/internal/storage/archive"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	csmemory "github.com/settleline/recond/internal/storage/canonicalstore/memory"
	"github.com/settleline/recond/internal/storage/canonicalstore/postgres"
	"github.com/settleline/recond/internal/storage/deadletter"
	"github.com/settleline/recond/internal/storage/idempotency"
	"github.com/settleline/recond/internal/storage/kv"
	kvleveldb "github.com/settleline/recond/internal/storage/kv/leveldb"
	kvmemory "github.com/settleline/recond/internal/storage/kv/memory"
	kvpebble "github.com/settleline/recond/internal/storage/kv/pebble"
)

// internal container keys for the raw kv handles, kept so Close can reach
// them without re-deriving paths.
const (
	serviceArchiveKV = "storage.kv.archive"
	serviceIdemKV    = "storage.kv.idempotency"
)

// Provider configures and registers services in the container.
type Provider struct {
	container *Container
	config    *config.Config
}

// NewProvider creates a new service provider.
func NewProvider(container *Container, cfg *config.Config) *Provider {
	return &Provider{
		container: container,
		config:    cfg,
	}
}

// RegisterAll registers all services.
func (p *Provider) RegisterAll() error {
	p.container.Register(ServiceConfig, p.config)

	p.registerCoreBuilders()
	p.registerStorageBuilders()
	p.registerStageBuilders()
	p.registerHTTPBuilders()

	return nil
}

// registerCoreBuilders registers logging, metrics and alerting.
func (p *Provider) registerCoreBuilders() {
	p.container.RegisterBuilder(ServiceLogger, func(c *Container) (interface{}, error) {
		return logging.New(p.config.Logging.Level, p.config.Logging.Development)
	})

	p.container.RegisterBuilder(ServiceMetrics, func(c *Container) (interface{}, error) {
		return metrics.New(), nil
	})

	p.container.RegisterBuilder(ServiceAlerter, func(c *Container) (interface{}, error) {
		log, err := Logger(c)
		if err != nil {
			return nil, err
		}
		return alert.NewLogAlerter(log), nil
	})
}

// registerStorageBuilders registers the canonical store, the kv-backed
// archive and idempotency stores, and the dead-letter store.
func (p *Provider) registerStorageBuilders() {
	p.container.RegisterBuilder(ServiceStore, func(c *Container) (interface{}, error) {
		if p.config.Store.Driver == "memory" {
			return csmemory.NewStore(), nil
		}
		rm, err := postgres.NewRepositoryManager(&p.config.Store)
		if err != nil {
			return nil, err
		}
		if err := rm.Open(context.Background()); err != nil {
			return nil, fmt.Errorf("open canonical store: %w", err)
		}
		return rm, nil
	})

	p.container.RegisterBuilder(serviceArchiveKV, func(c *Container) (interface{}, error) {
		return openKV(p.config.Archive.Backend, p.config.Archive.Path)
	})

	p.container.RegisterBuilder(ServiceArchive, func(c *Container) (interface{}, error) {
		db, err := c.Get(serviceArchiveKV)
		if err != nil {
			return nil, err
		}
		var opts []archive.Option
		if !p.config.Archive.Compression {
			opts = append(opts, archive.WithoutCompression())
		}
		return archive.New(db.(kv.DB), opts...), nil
	})

	p.container.RegisterBuilder(serviceIdemKV, func(c *Container) (interface{}, error) {
		return openKV(p.config.Idempotency.Backend, p.config.Idempotency.Path)
	})

	p.container.RegisterBuilder(ServiceIdem, func(c *Container) (interface{}, error) {
		db, err := c.Get(serviceIdemKV)
		if err != nil {
			return nil, err
		}
		return idempotency.New(db.(kv.DB)), nil
	})

	p.container.RegisterBuilder(ServiceDeadLetter, func(c *Container) (interface{}, error) {
		if p.config.DeadLetter.Backend == "memory" {
			return deadletter.NewMemory(), nil
		}
		return deadletter.OpenSQLite(p.config.DeadLetter.Path)
	})
}

// registerStageBuilders registers the bus and every pipeline stage.
func (p *Provider) registerStageBuilders() {
	p.container.RegisterBuilder(ServiceBus, func(c *Container) (interface{}, error) {
		return bus.New(p.config.Bus.Partitions, p.config.Bus.Buffer), nil
	})

	p.container.RegisterBuilder(ServiceResolver, func(c *Container) (interface{}, error) {
		store, err := Store(c)
		if err != nil {
			return nil, err
		}
		return connections.NewResolver(store.Connections(),
			p.config.Connections.CacheSize, p.config.Connections.CacheTTL)
	})

	p.container.RegisterBuilder(ServiceParsers, func(c *Container) (interface{}, error) {
		registry := parser.NewRegistry()
		for i := range p.config.Parsers {
			pc := &p.config.Parsers[i]
			eventTypes := make(map[string]model.EventType, len(pc.EventTypes))
			for vendor, canonical := range pc.EventTypes {
				eventTypes[vendor] = model.EventType(canonical)
			}
			registry.Register(pc.Name, pc.SchemaVersion, parser.NewGenericJSON(pc.Name, eventTypes))
		}
		return registry, nil
	})

	p.container.RegisterBuilder(ServiceFX, func(c *Container) (interface{}, error) {
		store, err := Store(c)
		if err != nil {
			return nil, err
		}
		log, err := Logger(c)
		if err != nil {
			return nil, err
		}
		return fx.New(store.FXRates(), nil, p.config.FX.CacheSize, log)
	})

	p.container.RegisterBuilder(ServiceIntake, func(c *Container) (interface{}, error) {
		deps, err := p.stageDeps(c)
		if err != nil {
			return nil, err
		}
		idem, err := c.Get(ServiceIdem)
		if err != nil {
			return nil, err
		}
		arch, err := c.Get(ServiceArchive)
		if err != nil {
			return nil, err
		}
		alerter, err := c.Get(ServiceAlerter)
		if err != nil {
			return nil, err
		}
		return intake.New(deps.resolver, intake.EnvSecrets{}, idem.(*idempotency.Store),
			arch.(*archive.Store), deps.bus, alerter.(alert.Alerter), deps.metrics, deps.log,
			intake.Config{IdempotencyTTL: p.config.Idempotency.TTL}), nil
	})

	p.container.RegisterBuilder(ServiceSweeper, func(c *Container) (interface{}, error) {
		idem, err := c.Get(ServiceIdem)
		if err != nil {
			return nil, err
		}
		b, err := Bus(c)
		if err != nil {
			return nil, err
		}
		log, err := Logger(c)
		if err != nil {
			return nil, err
		}
		return intake.NewSweeper(idem.(*idempotency.Store), b, log,
			p.config.Idempotency.SweepGrace, p.config.Idempotency.SweepInterval), nil
	})

	p.container.RegisterBuilder(ServiceNormalizer, func(c *Container) (interface{}, error) {
		deps, err := p.stageDeps(c)
		if err != nil {
			return nil, err
		}
		parsers, err := c.Get(ServiceParsers)
		if err != nil {
			return nil, err
		}
		fxp, err := c.Get(ServiceFX)
		if err != nil {
			return nil, err
		}
		arch, err := c.Get(ServiceArchive)
		if err != nil {
			return nil, err
		}
		return normalizer.New(deps.resolver, parsers.(*parser.Registry), fxp.(*fx.Provider),
			arch.(*archive.Store), deps.store, deps.bus, deps.metrics, deps.log), nil
	})

	p.container.RegisterBuilder(ServiceIngestor, func(c *Container) (interface{}, error) {
		store, err := Store(c)
		if err != nil {
			return nil, err
		}
		arch, err := c.Get(ServiceArchive)
		if err != nil {
			return nil, err
		}
		return normalizer.NewSettlementIngestor(store, arch.(*archive.Store), nil), nil
	})

	p.container.RegisterBuilder(ServiceMatching, func(c *Container) (interface{}, error) {
		deps, err := p.stageDeps(c)
		if err != nil {
			return nil, err
		}
		return matching.New(deps.store, deps.resolver, deps.bus,
			p.config.Rules, deps.metrics, deps.log), nil
	})

	p.container.RegisterBuilder(ServicePoster, func(c *Container) (interface{}, error) {
		deps, err := p.stageDeps(c)
		if err != nil {
			return nil, err
		}
		alerter, err := c.Get(ServiceAlerter)
		if err != nil {
			return nil, err
		}
		return ledger.NewPoster(deps.store, deps.resolver,
			alerter.(alert.Alerter), deps.metrics, deps.log), nil
	})

	p.container.RegisterBuilder(ServiceReprocess, func(c *Container) (interface{}, error) {
		store, err := Store(c)
		if err != nil {
			return nil, err
		}
		engine, err := c.Get(ServiceMatching)
		if err != nil {
			return nil, err
		}
		log, err := Logger(c)
		if err != nil {
			return nil, err
		}
		return reprocess.New(store, engine.(*matching.Engine), log), nil
	})

	p.container.RegisterBuilder(ServicePipeline, func(c *Container) (interface{}, error) {
		deps, err := p.stageDeps(c)
		if err != nil {
			return nil, err
		}
		norm, err := c.Get(ServiceNormalizer)
		if err != nil {
			return nil, err
		}
		engine, err := c.Get(ServiceMatching)
		if err != nil {
			return nil, err
		}
		poster, err := c.Get(ServicePoster)
		if err != nil {
			return nil, err
		}
		dead, err := c.Get(ServiceDeadLetter)
		if err != nil {
			return nil, err
		}
		alerter, err := c.Get(ServiceAlerter)
		if err != nil {
			return nil, err
		}
		return pipeline.New(deps.bus, norm.(*normalizer.Service), engine.(*matching.Engine),
			poster.(*ledger.Poster), dead.(deadletter.Store), alerter.(alert.Alerter),
			deps.metrics, deps.log, pipeline.Config{
				MaxAttempts:          p.config.Pipeline.MaxAttempts,
				RetryInitialInterval: p.config.Pipeline.RetryInitialInterval,
				RetryMaxInterval:     p.config.Pipeline.RetryMaxInterval,
				LagInterval:          p.config.Pipeline.LagInterval,
			}), nil
	})
}

// registerHTTPBuilders registers the webhook/metrics listener.
func (p *Provider) registerHTTPBuilders() {
	p.container.RegisterBuilder(ServiceHTTPServer, func(c *Container) (interface{}, error) {
		svc, err := c.Get(ServiceIntake)
		if err != nil {
			return nil, err
		}
		m, err := Metrics(c)
		if err != nil {
			return nil, err
		}
		log, err := Logger(c)
		if err != nil {
			return nil, err
		}

		mux := http.NewServeMux()
		intake.NewHandler(svc.(*intake.Service), log).Register(mux)
		mux.Handle("GET /metrics", m.Handler())
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok","service":"recond"}`))
		})

		return &http.Server{
			Addr:         p.config.HTTP.Listen,
			Handler:      mux,
			ReadTimeout:  p.config.HTTP.ReadTimeout,
			WriteTimeout: p.config.HTTP.WriteTimeout,
		}, nil
	})
}

// stageDeps bundles the dependencies every pipeline stage shares.
type stageDependencies struct {
	store    canonicalstore.RepositoryManager
	resolver *connections.Resolver
	bus      *bus.Bus
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func (p *Provider) stageDeps(c *Container) (*stageDependencies, error) {
	store, err := Store(c)
	if err != nil {
		return nil, err
	}
	resolver, err := c.Get(ServiceResolver)
	if err != nil {
		return nil, err
	}
	b, err := Bus(c)
	if err != nil {
		return nil, err
	}
	m, err := Metrics(c)
	if err != nil {
		return nil, err
	}
	log, err := Logger(c)
	if err != nil {
		return nil, err
	}
	return &stageDependencies{
		store:    store,
		resolver: resolver.(*connections.Resolver),
		bus:      b,
		metrics:  m,
		log:      log,
	}, nil
}

// Close shuts down everything that was actually instantiated, in reverse
// dependency order: the bus first to unblock workers, then the stores.
func (p *Provider) Close(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if b, ok := p.instantiated(ServiceBus); ok {
		b.(*bus.Bus).Close()
	}
	if svc, ok := p.instantiated(ServiceIdem); ok {
		record(svc.(*idempotency.Store).Close())
	}
	if db, ok := p.instantiated(serviceArchiveKV); ok {
		record(db.(kv.DB).Close())
	}
	if dead, ok := p.instantiated(ServiceDeadLetter); ok {
		record(dead.(deadletter.Store).Close())
	}
	if store, ok := p.instantiated(ServiceStore); ok {
		if rm, isPG := store.(*postgres.RepositoryManager); isPG {
			record(rm.Close(ctx))
		}
	}
	return firstErr
}

// instantiated returns a service only if a builder already produced it;
// Close must not construct anything.
func (p *Provider) instantiated(name string) (interface{}, bool) {
	return p.container.Built(name)
}

// openKV opens the configured kv backend.
func openKV(backend, path string) (kv.DB, error) {
	switch backend {
	case "pebble":
		return kvpebble.Open(path)
	case "leveldb":
		return kvleveldb.Open(path)
	case "memory":
		return kvmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", backend)
	}
}

// Typed accessors for the services the CLI drives directly.

// Logger returns the process logger.
func Logger(c *Container) (*zap.Logger, error) {
	svc, err := c.Get(ServiceLogger)
	if err != nil {
		return nil, err
	}
	return svc.(*zap.Logger), nil
}

// Metrics returns the prometheus instruments.
func Metrics(c *Container) (*metrics.Metrics, error) {
	svc, err := c.Get(ServiceMetrics)
	if err != nil {
		return nil, err
	}
	return svc.(*metrics.Metrics), nil
}

// Store returns the canonical repository manager.
func Store(c *Container) (canonicalstore.RepositoryManager, error) {
	svc, err := c.Get(ServiceStore)
	if err != nil {
		return nil, err
	}
	return svc.(canonicalstore.RepositoryManager), nil
}

// Bus returns the in-process event bus.
func Bus(c *Container) (*bus.Bus, error) {
	svc, err := c.Get(ServiceBus)
	if err != nil {
		return nil, err
	}
	return svc.(*bus.Bus), nil
}

// Pipeline returns the stage runner.
func Pipeline(c *Container) (*pipeline.Pipeline, error) {
	svc, err := c.Get(ServicePipeline)
	if err != nil {
		return nil, err
	}
	return svc.(*pipeline.Pipeline), nil
}

// Sweeper returns the idempotency sweeper.
func Sweeper(c *Container) (*intake.Sweeper, error) {
	svc, err := c.Get(ServiceSweeper)
	if err != nil {
		return nil, err
	}
	return svc.(*intake.Sweeper), nil
}

// Reprocess returns the reprocessing service.
func Reprocess(c *Container) (*reprocess.Service, error) {
	svc, err := c.Get(ServiceReprocess)
	if err != nil {
		return nil, err
	}
	return svc.(*reprocess.Service), nil
}

// HTTPServer returns the webhook/metrics listener.
func HTTPServer(c *Container) (*http.Server, error) {
	svc, err := c.Get(ServiceHTTPServer)
	if err != nil {
		return nil, err
	}
	return svc.(*http.Server), nil
}

// Idempotency returns the webhook replay guard store.
func Idempotency(c *Container) (*idempotency.Store, error) {
	svc, err := c.Get(ServiceIdem)
	if err != nil {
		return nil, err
	}
	return svc.(*idempotency.Store), nil
}
