// main.go - Demo embedder for the wewb session engine
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"wewb/app"
	"wewb/internal/logging"
)

func main() {
	ingestURL := flag.String("url", "", "Ingestion endpoint URL (overrides WEWB_INGEST_URL)")
	projectID := flag.String("project", "", "Project identifier (overrides WEWB_PROJECT_ID)")
	uploadPercent := flag.Float64("percent", -1, "Upload sampling percent in [0,1] (-1 = keep configured value)")
	stateDir := flag.String("state", "", "State directory for durable identity and spool")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	logToFile := flag.Bool("logfile", false, "Log to a rotated file instead of stderr")
	flag.Parse()

	cfg := *app.ConfigFromEnv()
	if *ingestURL != "" {
		cfg.IngestURL = *ingestURL
	}
	if *projectID != "" {
		cfg.ProjectID = *projectID
	}
	if *uploadPercent >= 0 {
		cfg.UploadPercent = uploadPercent
	}
	if *stateDir != "" {
		cfg.StateDirectory = *stateDir
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	var logger *slog.Logger
	if *logToFile {
		logger = logging.NewFile(&cfg, level)
	} else {
		logger = logging.NewStderr(level)
	}

	// Simulate one page visit end to end.
	page := app.PageContext{
		URL:              "https://example.com/pricing",
		Title:            "Pricing | Example",
		Referrer:         "https://google.com",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Language:         "en-US",
		Timezone:         "UTC",
		ScreenResolution: "1920x1080",
	}

	engine := app.New(page, app.Options{Logger: logger})
	if err := engine.Register(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "registration failed: %v\n", err)
		os.Exit(1)
	}

	engine.AddCommonParams(map[string]any{"appVersion": "1.4.2", "channel": "demo"})

	engine.Record(app.EventTypeView, map[string]any{"pageUrl": "/pricing"})
	engine.Record(app.EventTypeClick, map[string]any{"element": "cta-signup"})
	engine.UpdateScrollDepth(42)
	engine.MarkSectionVisible("plans")
	engine.Record(app.EventTypeCustom, map[string]any{"eventKey": "plan_hover", "plan": "pro"})

	engine.Flush()
	time.Sleep(cfg.FlushInterval)

	engine.UpdateScrollDepth(87)
	engine.Record(app.EventTypeError, map[string]any{"message": "simulated error"})
	engine.Close()

	stats := engine.Stats()
	fmt.Printf("sent %d payload(s) with %d event(s), dropped %d event(s)\n",
		stats.SentPayloads, stats.SentEvents, stats.DroppedEvents)
}
