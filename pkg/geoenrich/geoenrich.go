// Package geoenrich attaches non-authoritative geographic and network
// context to a banned IP using MaxMind's GeoLite2 databases. It never
// gates a ban decision — ScoreTable and the evaluator own that — it
// only enriches the record written to EventSink and AlertNotifier.
package geoenrich

import (
	"net"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/models"
)

// Enricher wraps the optional city and ASN MaxMind readers. Either or
// both may be nil when the corresponding database path is unset; every
// lookup degrades gracefully to a partially populated GeoInfo rather
// than failing the ban pipeline.
type Enricher struct {
	mu   sync.RWMutex
	city *geoip2.Reader
	asn  *geoip2.Reader

	highRisk map[string]struct{}
	log      *zap.SugaredLogger
}

// New opens the configured databases. A missing or unreadable database
// is logged and leaves the corresponding lookup disabled; it is never
// a fatal error, matching the rest of Sentinel's degrade-gracefully
// stance on optional subsystems.
func New(cfg config.GeoIPConfig, log *zap.SugaredLogger) *Enricher {
	e := &Enricher{
		highRisk: make(map[string]struct{}, len(cfg.HighRiskCountries)),
		log:      log,
	}
	for _, c := range cfg.HighRiskCountries {
		e.highRisk[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	if cfg.CityDBPath != "" {
		r, err := geoip2.Open(cfg.CityDBPath)
		if err != nil {
			log.Warnw("geoip city database unavailable, country lookups disabled", "path", cfg.CityDBPath, "error", err)
		} else {
			e.city = r
		}
	}
	if cfg.ASNDBPath != "" {
		r, err := geoip2.Open(cfg.ASNDBPath)
		if err != nil {
			log.Warnw("geoip asn database unavailable, ASN lookups disabled", "path", cfg.ASNDBPath, "error", err)
		} else {
			e.asn = r
		}
	}
	return e
}

// Lookup returns whatever geographic context is available for ip. A
// nil reader, a lookup miss, or a malformed IP each yield a zero-value
// field rather than an error.
func (e *Enricher) Lookup(ip net.IP) models.GeoInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var info models.GeoInfo
	if e.city != nil {
		if rec, err := e.city.City(ip); err == nil {
			info.CountryISO = rec.Country.IsoCode
		} else {
			e.log.Debugw("geoip city lookup failed", "ip", ip.String(), "error", err)
		}
	}
	if e.asn != nil {
		if rec, err := e.asn.ASN(ip); err == nil {
			info.ASN = rec.AutonomousSystemNumber
			info.Datacenter = isLikelyDatacenterASN(rec.AutonomousSystemOrganization)
		} else {
			e.log.Debugw("geoip asn lookup failed", "ip", ip.String(), "error", err)
		}
	}
	if info.CountryISO != "" {
		_, info.HighRisk = e.highRisk[info.CountryISO]
	}
	return info
}

// Close releases both underlying database handles.
func (e *Enricher) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.city != nil {
		e.city.Close()
	}
	if e.asn != nil {
		e.asn.Close()
	}
	return nil
}

// isLikelyDatacenterASN applies a coarse heuristic over the
// autonomous-system organisation name, since GeoLite2 carries no
// dedicated hosting-provider flag. It is intentionally conservative: a
// false negative here only means AlertNotifier's context is thinner,
// never a missed ban.
func isLikelyDatacenterASN(org string) bool {
	org = strings.ToLower(org)
	for _, marker := range []string{"hosting", "cloud", "data center", "datacenter", "vps", "server", "digitalocean"} {
		if strings.Contains(org, marker) {
			return true
		}
	}
	return false
}
