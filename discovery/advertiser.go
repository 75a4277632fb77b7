package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	Publisher   Publisher
	ServiceType string
	Domain      string
	Logger      *slog.Logger
}

// Advertiser keeps at most one record of this application's service type
// published on behalf of the server role.
type Advertiser struct {
	publisher   Publisher
	serviceType string
	domain      string
	logger      *slog.Logger

	mu          sync.Mutex
	publication Publication
	record      Record
}

// NewAdvertiser creates an Advertiser. Empty type and domain fall back to
// DefaultServiceType and DefaultDomain.
func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Advertiser{
		publisher:   cfg.Publisher,
		serviceType: cfg.ServiceType,
		domain:      cfg.Domain,
		logger:      cfg.Logger,
	}
}

// Publish advertises name at port, replacing any earlier advertisement.
func (a *Advertiser) Publish(ctx context.Context, name string, port uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.publication != nil {
		a.withdrawLocked()
	}
	record := Record{Name: name, Type: a.serviceType, Domain: a.domain, Port: port}
	publication, err := a.publisher.Publish(ctx, record)
	if err != nil {
		a.logger.Warn("service publish failed", "name", name, "port", port, "error", err)
		return fmt.Errorf("publish %s on port %d: %w", name, port, err)
	}
	a.publication = publication
	a.record = record
	a.logger.Info("service published", "name", name, "type", record.Type, "domain", record.Domain, "port", port)
	return nil
}

// Withdraw removes the current advertisement, if any.
func (a *Advertiser) Withdraw() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.withdrawLocked()
}

func (a *Advertiser) withdrawLocked() {
	if a.publication == nil {
		return
	}
	if err := a.publication.Withdraw(); err != nil {
		a.logger.Warn("service withdraw failed", "name", a.record.Name, "error", err)
	} else {
		a.logger.Info("service withdrawn", "name", a.record.Name)
	}
	a.publication = nil
	a.record = Record{}
}

// Published returns the advertised record, if any.
func (a *Advertiser) Published() (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record, a.publication != nil
}
