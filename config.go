package uow

import "github.com/goliatone/go-uow/pkg/notify"

// Config holds provider behaviour switches that are usually loaded from
// application configuration.
type Config struct {
	// LogUncompletedScopes logs every scope disposed without Complete.
	LogUncompletedScopes bool `json:"log_uncompleted_scopes"`
	// StrictChildCompletion rolls the chain back when any nested scope is
	// disposed without Complete.
	StrictChildCompletion bool `json:"strict_child_completion"`
}

// ProviderOption configures a Provider.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	gateway       LockGateway
	table         *LockTable
	factory       TransactionFactory
	sink          notify.Sink
	publisherOpts []notify.Option
	logger        Logger
	config        Config
}

func applyProviderOptions(opts []ProviderOption) providerConfig {
	cfg := providerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithLockGateway sets the store-level lock gateway used by the provider's
// own lock table. Ignored when WithLockTable is also supplied.
func WithLockGateway(gateway LockGateway) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.gateway = gateway
	}
}

// WithLockTable shares an existing lock table, for example across providers
// that front the same store.
func WithLockTable(table *LockTable) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.table = table
	}
}

// WithTransactionFactory sets the factory that starts a transaction for each
// root scope.
func WithTransactionFactory(factory TransactionFactory) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.factory = factory
	}
}

// WithSink sets the downstream sink used by default publishers.
func WithSink(sink notify.Sink) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.sink = sink
	}
}

// WithPublisherOptions passes options to every default publisher.
func WithPublisherOptions(opts ...notify.Option) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.publisherOpts = append(cfg.publisherOpts, opts...)
	}
}

// WithLogger attaches a scope lifecycle logger.
func WithLogger(logger Logger) ProviderOption {
	return func(cfg *providerConfig) {
		if logger == nil {
			cfg.logger = noopLogger{}
			return
		}
		cfg.logger = logger
	}
}

// WithConfig applies behaviour switches.
func WithConfig(config Config) ProviderOption {
	return func(cfg *providerConfig) {
		cfg.config = config
	}
}

// ScopeOption configures a single CreateScope call.
type ScopeOption func(*scopeConfig)

type scopeConfig struct {
	publisher    notify.Publisher
	autoComplete bool
}

// WithPublisher installs a custom publisher for a new chain. It is rejected
// when the chain is already open.
func WithPublisher(publisher notify.Publisher) ScopeOption {
	return func(cfg *scopeConfig) {
		cfg.publisher = publisher
	}
}

// WithAutoComplete marks the scope completed on disposal unless it was
// explicitly failed.
func WithAutoComplete() ScopeOption {
	return func(cfg *scopeConfig) {
		cfg.autoComplete = true
	}
}
