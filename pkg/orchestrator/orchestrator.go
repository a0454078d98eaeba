// Package orchestrator wires every component into the running daemon
// and owns graceful shutdown: storage, geo enrichment, firewall, log
// ingestion (file tail and optional Kafka stream), scoring, and
// alerting all start and stop through one object instead of a
// package-level init sequence.
package orchestrator

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muhamadyani/nginx-sentinel/pkg/alerter"
	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/consumer"
	"github.com/muhamadyani/nginx-sentinel/pkg/evaluator"
	"github.com/muhamadyani/nginx-sentinel/pkg/firewall"
	"github.com/muhamadyani/nginx-sentinel/pkg/follower"
	"github.com/muhamadyani/nginx-sentinel/pkg/geoenrich"
	"github.com/muhamadyani/nginx-sentinel/pkg/metrics"
	"github.com/muhamadyani/nginx-sentinel/pkg/models"
	"github.com/muhamadyani/nginx-sentinel/pkg/parser"
	"github.com/muhamadyani/nginx-sentinel/pkg/scoretable"
	"github.com/muhamadyani/nginx-sentinel/pkg/storage"
	"github.com/muhamadyani/nginx-sentinel/pkg/watcher"
)

const (
	lineBufferSize   = 4096
	shutdownDeadline = 2 * time.Second
	sweepInterval    = 10 * time.Second
	cleanupInterval  = time.Minute
)

// Orchestrator owns every long-running component and the channels
// connecting them.
type Orchestrator struct {
	store    *config.Store
	log      *zap.SugaredLogger
	firewall *firewall.Actuator
	follower *follower.Follower
	watcher  *watcher.Watcher
	stream   *consumer.StreamIngest
	scores   *scoretable.ScoreTable
	geo      *geoenrich.Enricher
	sink     *storage.EventSink
	notifier *alerter.Notifier
	parser   *parser.Parser

	wg sync.WaitGroup
}

// New builds an Orchestrator from an already-validated initial Config
// loaded from configPath (watched for hot-reload). No goroutines are
// started until Run is called.
func New(configPath string, initial *config.Config, log *zap.SugaredLogger) (*Orchestrator, error) {
	store := config.NewStore(initial)

	sink, err := storage.New(initial.Storage, log)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:    store,
		log:      log,
		firewall: firewall.New(log),
		follower: follower.New(initial.LogPath, lineBufferSize, log),
		scores:   scoretable.New(store),
		geo:      geoenrich.New(initial.GeoIP, log),
		sink:     sink,
		parser:   parser.New(),
	}

	o.notifier = alerter.New(initial.Webhook, sink, log)

	o.watcher = watcher.New(configPath, store, log)
	o.watcher.OnLogPathChange = func(c watcher.LogPathChange) {
		o.follower.Retarget(c.NewPath)
	}

	if len(initial.Kafka.Brokers) > 0 {
		stream, err := consumer.New(initial.Kafka, lineBufferSize, log)
		if err != nil {
			log.Errorw("stream ingest unavailable, continuing with file tail only", "error", err)
		} else {
			o.stream = stream
		}
	}

	return o, nil
}

// Run starts every subsystem and blocks until ctx is cancelled, then
// drains in-flight records up to shutdownDeadline before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.firewall.EnsureInitialised(ctx); err != nil {
		return err
	}

	o.wg.Add(1)
	go func() { defer o.wg.Done(); o.follower.Run(ctx) }()

	o.wg.Add(1)
	go func() { defer o.wg.Done(); o.watcher.Run(ctx) }()

	o.wg.Add(1)
	go func() { defer o.wg.Done(); o.scores.RunSweeper(ctx.Done(), sweepInterval) }()

	o.wg.Add(1)
	go func() { defer o.wg.Done(); o.notifier.RunCleanup(ctx, cleanupInterval) }()

	if o.stream != nil {
		o.wg.Add(1)
		go func() { defer o.wg.Done(); o.stream.Run(ctx) }()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for rec := range o.stream.Records {
				metrics.LinesProcessed.Inc()
				o.handleRecord(ctx, rec)
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for line := range o.follower.Lines {
			rec, ok := o.parser.Parse(line, time.Now())
			metrics.LinesProcessed.Inc()
			if !ok {
				metrics.ParseErrors.Inc()
				continue
			}
			o.handleRecord(ctx, rec)
		}
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() { o.wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		o.log.Warnw("shutdown deadline exceeded, exiting without draining all workers")
	}

	o.sink.Close()
	o.geo.Close()
	if o.stream != nil {
		o.stream.Close()
	}
	return nil
}

// handleRecord runs one LogRecord through evaluation, scoring, and
// enforcement. Shared by both the file-tail and Kafka ingestion paths
// so they are indistinguishable past this point.
func (o *Orchestrator) handleRecord(ctx context.Context, rec *models.LogRecord) {
	start := time.Now()
	cfg := o.store.Snapshot()
	class := evaluator.Evaluate(rec, cfg)
	metrics.RuleEvaluationSeconds.Observe(time.Since(start).Seconds())
	metrics.Classifications.WithLabelValues(class.String()).Inc()

	var decision models.Decision
	var reason string

	switch class {
	case models.ClassInstantBan:
		decision = o.scores.ForceBan(rec.SourceIP.String())
		reason = "instant_ban"
	case models.ClassScore:
		decision = o.scores.Record(rec.SourceIP.String(), rec.ObservedAt)
		reason = "threshold_exceeded"
	default:
		decision = models.DecisionNoop
	}

	metrics.ScoreTableSize.Set(float64(o.scores.Len()))

	if err := o.sink.RecordRawLine(ctx, rec, class); err != nil {
		o.log.Debugw("event sink raw line write failed", "error", err)
	}

	if decision != models.DecisionBan {
		return
	}

	o.ban(ctx, rec.SourceIP, class, reason, cfg.BanTimeSeconds)
}

func (o *Orchestrator) ban(ctx context.Context, ip net.IP, class models.Classification, reason string, ttl int) {
	ipStr := ip.String()

	if err := o.firewall.Ban(ctx, ipStr, ttl); err != nil {
		metrics.FirewallErrors.Inc()
		o.log.Errorw("firewall ban failed", "ip", ipStr, "error", err)
		return
	}
	metrics.Bans.Inc()

	ev := &models.BanEvent{
		IP:             ipStr,
		Reason:         reason,
		Classification: class,
		Geo:            o.geo.Lookup(ip),
		Timestamp:      time.Now(),
	}

	if err := o.sink.RecordBan(ctx, ev); err != nil {
		o.log.Errorw("event sink ban record failed", "ip", ipStr, "error", err)
	}
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.log.Errorw("alert notification failed", "ip", ipStr, "error", err)
	}
	o.log.Infow("ip banned", "ip", ipStr, "reason", reason, "classification", class.String())
}
