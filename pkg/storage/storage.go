// Package storage persists classification and ban activity to two
// independently optional backends: MySQL for queryable ban history,
// InfluxDB for high-volume raw telemetry. Either backend can be absent
// without disabling the other.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/models"
)

// EventSink writes classification and ban activity to whichever
// backends are configured. A zero-value field for either backend means
// that backend's writes are silently skipped rather than erroring.
type EventSink struct {
	influxClient influxdb2.Client
	writeAPI     api.WriteAPIBlocking
	mysqlDB      *sql.DB

	log *zap.SugaredLogger
}

// New constructs an EventSink from cfg. MySQL and InfluxDB are each
// wired only when their DSN/URL is non-empty.
func New(cfg config.StorageConfig, log *zap.SugaredLogger) (*EventSink, error) {
	sink := &EventSink{log: log}

	if cfg.MySQLDSN != "" {
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("storage: open mysql: %w", err)
		}
		if cfg.MySQLMaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MySQLMaxIdle)
		}
		if cfg.MySQLMaxOpen > 0 {
			db.SetMaxOpenConns(cfg.MySQLMaxOpen)
		}
		sink.mysqlDB = db
	}

	if cfg.InfluxURL != "" {
		client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		sink.influxClient = client
		sink.writeAPI = client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)
	}

	return sink, nil
}

// RecordRawLine writes one observed request to InfluxDB for
// high-volume, short-retention telemetry. A no-op when InfluxDB isn't
// configured.
func (s *EventSink) RecordRawLine(ctx context.Context, rec *models.LogRecord, class models.Classification) error {
	if s.writeAPI == nil {
		return nil
	}

	p := influxdb2.NewPoint(
		"access_log",
		map[string]string{
			"source_ip":      rec.SourceIP.String(),
			"method":         rec.Method,
			"classification": class.String(),
		},
		map[string]interface{}{
			"path":   rec.Path,
			"status": rec.Status,
		},
		rec.ObservedAt,
	)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		s.log.Errorw("influxdb write failed", "error", err)
		return err
	}
	return nil
}

// RecordBan persists a ban decision to MySQL for durable, queryable
// history. A no-op when MySQL isn't configured.
func (s *EventSink) RecordBan(ctx context.Context, ev *models.BanEvent) error {
	if s.mysqlDB == nil {
		return nil
	}

	const query = `
		INSERT INTO ban_events (
			ip, reason, classification, score, country_iso, asn, datacenter, high_risk, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.mysqlDB.ExecContext(ctx, query,
		ev.IP, ev.Reason, ev.Classification.String(), ev.Score,
		ev.Geo.CountryISO, ev.Geo.ASN, ev.Geo.Datacenter, ev.Geo.HighRisk, ev.Timestamp,
	)
	if err != nil {
		s.log.Errorw("mysql ban record failed", "ip", ev.IP, "error", err)
		return err
	}
	return nil
}

// RecentBans returns ban events recorded after since, used by
// AlertNotifier to rehydrate its cooldown state on startup. Returns an
// empty slice, not an error, when MySQL isn't configured.
func (s *EventSink) RecentBans(ctx context.Context, since time.Time) ([]models.BanEvent, error) {
	if s.mysqlDB == nil {
		return nil, nil
	}

	const query = `
		SELECT ip, reason, classification, score, country_iso, asn, datacenter, high_risk, created_at
		FROM ban_events
		WHERE created_at > ?
	`
	rows, err := s.mysqlDB.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("storage: query recent bans: %w", err)
	}
	defer rows.Close()

	var events []models.BanEvent
	for rows.Next() {
		var ev models.BanEvent
		var classification string
		if err := rows.Scan(&ev.IP, &ev.Reason, &classification, &ev.Score,
			&ev.Geo.CountryISO, &ev.Geo.ASN, &ev.Geo.Datacenter, &ev.Geo.HighRisk, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan ban event: %w", err)
		}
		ev.Classification = parseClassification(classification)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func parseClassification(s string) models.Classification {
	switch s {
	case "score":
		return models.ClassScore
	case "instant_ban":
		return models.ClassInstantBan
	default:
		return models.ClassIgnore
	}
}

// Close releases both backend connections. Safe to call even when
// neither is configured.
func (s *EventSink) Close() {
	if s.influxClient != nil {
		s.influxClient.Close()
	}
	if s.mysqlDB != nil {
		s.mysqlDB.Close()
	}
}
