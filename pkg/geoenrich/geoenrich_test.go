package geoenrich

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
)

func TestLookupWithNoDatabasesConfiguredReturnsZeroValue(t *testing.T) {
	e := New(config.GeoIPConfig{}, zap.NewNop().Sugar())
	defer e.Close()

	info := e.Lookup(net.ParseIP("8.8.8.8"))
	if info.CountryISO != "" || info.ASN != 0 || info.Datacenter || info.HighRisk {
		t.Fatalf("expected zero-value GeoInfo with no databases configured, got %+v", info)
	}
}

func TestLookupWithMissingDatabasePathDegradesGracefully(t *testing.T) {
	e := New(config.GeoIPConfig{CityDBPath: "/nonexistent/GeoLite2-City.mmdb"}, zap.NewNop().Sugar())
	defer e.Close()

	info := e.Lookup(net.ParseIP("1.1.1.1"))
	if info.CountryISO != "" {
		t.Fatalf("expected empty country for unavailable database, got %q", info.CountryISO)
	}
}

func TestIsLikelyDatacenterASNHeuristic(t *testing.T) {
	cases := map[string]bool{
		"DigitalOcean, LLC":       true,
		"Amazon.com, Inc. (AWS cloud)": true,
		"Comcast Cable Communications": false,
		"":                        false,
	}
	for org, want := range cases {
		if got := isLikelyDatacenterASN(org); got != want {
			t.Errorf("isLikelyDatacenterASN(%q) = %v, want %v", org, got, want)
		}
	}
}
