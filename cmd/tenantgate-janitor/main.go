// The janitor keeps the console's durable stores tidy: it sweeps
// redeemed and expired authorization grants, and archives then purges
// old audit events on a schedule.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/tenantgate/tenantgate/pkg/audit"
	"github.com/tenantgate/tenantgate/pkg/config"
	"github.com/tenantgate/tenantgate/pkg/grants"
)

var (
	sweepSchedule   = flag.String("sweep-schedule", "*/5 * * * *", "Cron schedule for grant sweeping (default: every 5 minutes)")
	archiveSchedule = flag.String("archive-schedule", "30 0 * * *", "Cron schedule for audit archiving (default: 00:30 UTC)")
	retentionDays   = flag.Int("audit-retention-days", 90, "Days of audit events to keep in Postgres")
	runOnce         = flag.Bool("run-once", false, "Run both jobs once and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	grantStore := grants.NewPostgresStore(db)
	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		log.Fatalf("Failed to create audit logger: %v", err)
	}

	var archiver *audit.Archiver
	if cfg.Archive.Enabled {
		archiver, err = audit.NewArchiver(context.Background(), audit.ArchiveConfig{
			Bucket:       cfg.Archive.Bucket,
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			AccessKey:    cfg.Archive.AccessKey,
			SecretKey:    cfg.Archive.SecretKey,
			UsePathStyle: cfg.Archive.UsePathStyle,
			Prefix:       cfg.Archive.Prefix,
		})
		if err != nil {
			log.Fatalf("Failed to create audit archiver: %v", err)
		}
	}

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		removed, err := grantStore.SweepExpired(ctx)
		if err != nil {
			log.Printf("Grant sweep failed: %v", err)
			return
		}
		if removed > 0 {
			log.Printf("Swept %d expired grants", removed)
		}
	}

	archive := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		cutoff := time.Now().UTC().AddDate(0, 0, -*retentionDays)
		if archiver != nil {
			events, err := auditLog.List(ctx, audit.Filter{EndTime: &cutoff})
			if err != nil {
				log.Printf("Audit listing failed: %v", err)
				return
			}
			if len(events) > 0 {
				key, err := archiver.Archive(ctx, events, audit.ExportFormatNDJSON, time.Now().UTC())
				if err != nil {
					log.Printf("Audit archive failed, keeping events in place: %v", err)
					return
				}
				log.Printf("Archived %d audit events to %s", len(events), key)
			}
		}

		purged, err := auditLog.Purge(ctx, cutoff)
		if err != nil {
			log.Printf("Audit purge failed: %v", err)
			return
		}
		if purged > 0 {
			log.Printf("Purged %d audit events older than %s", purged, cutoff.Format("2006-01-02"))
		}
	}

	if *runOnce {
		sweep()
		archive()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*sweepSchedule, sweep); err != nil {
		log.Fatalf("Failed to schedule grant sweep: %v", err)
	}
	if _, err := c.AddFunc(*archiveSchedule, archive); err != nil {
		log.Fatalf("Failed to schedule audit archive: %v", err)
	}

	c.Start()
	log.Println("Janitor started")
	log.Printf("Grant sweep schedule: %s", *sweepSchedule)
	log.Printf("Audit archive schedule: %s", *archiveSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down janitor")
	<-c.Stop().Done()
}
