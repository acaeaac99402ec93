// Command atoll is the battery daemon: it tracks connected Bluetooth audio
// accessories, aggregates battery evidence from every host source, and
// serves the results to the tray, the session bus, and IPC clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"atoll/internal/aggregate"
	"atoll/internal/blebatt"
	"atoll/internal/bluetooth"
	"atoll/internal/classify"
	"atoll/internal/config"
	"atoll/internal/device"
	"atoll/internal/extension"
	"atoll/internal/history"
	"atoll/internal/indicator"
	"atoll/internal/ipc"
	"atoll/internal/notify"
	"atoll/internal/presenter"
	"atoll/internal/source"
	"atoll/internal/statusbus"
	"atoll/internal/tracker"
)

// topicHandler wraps an slog.Handler and filters records by a "topic"
// attribute. Records without a topic always pass (startup messages,
// errors); records with one pass only when that topic is enabled.
type topicHandler struct {
	inner  slog.Handler
	topics map[string]bool
	topic  string // set when WithAttrs carried a "topic" key
}

func (h *topicHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.inner.Enabled(context.Background(), level)
}

func (h *topicHandler) Handle(ctx context.Context, r slog.Record) error {
	if len(h.topics) == 0 || h.topics["all"] {
		return h.inner.Handle(ctx, r)
	}
	topic := h.topic
	if topic == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "topic" {
				topic = a.Value.String()
				return false
			}
			return true
		})
	}
	if topic != "" && !h.topics[topic] {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *topicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	topic := h.topic
	for _, a := range attrs {
		if a.Key == "topic" {
			topic = a.Value.String()
		}
	}
	return &topicHandler{inner: h.inner.WithAttrs(attrs), topics: h.topics, topic: topic}
}

func (h *topicHandler) WithGroup(name string) slog.Handler {
	return &topicHandler{inner: h.inner.WithGroup(name), topics: h.topics, topic: h.topic}
}

func slogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config", "", "config file path (default: the user config dir)")
	logFlag := flag.String("log", "", "comma-separated log topics: tracker,battery,sources,wireless,extensions,ipc,notify,dbus (or 'all')")
	verbose := flag.Bool("verbose", false, "enable all log topics at debug level")
	tray := flag.Bool("tray", false, "show the system tray indicator")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	topics := make(map[string]bool)
	for _, t := range cfg.Logging.Topics {
		topics[t] = true
	}
	if *logFlag != "" {
		for _, t := range strings.Split(*logFlag, ",") {
			topics[strings.TrimSpace(t)] = true
		}
	}
	level := slogLevel(cfg.Logging.Level)
	if *verbose {
		topics["all"] = true
		level = slog.LevelDebug
	}
	handler := &topicHandler{
		inner:  slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		topics: topics,
	}
	logger := slog.New(handler)

	if err := run(cfg, logger, *tray); err != nil {
		logger.Error("daemon failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, tray bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sourcesLog := logger.With("topic", "sources")
	batteryLog := logger.With("topic", "battery")
	trackerLog := logger.With("topic", "tracker")
	wirelessLog := logger.With("topic", "wireless")

	registry := source.NewRegistryReader(cfg, sourcesLog)
	pref := source.NewPrefReader(cfg, sourcesLog)
	profiler := source.NewProfilerReader(cfg, sourcesLog)
	power := source.NewPowerReader(cfg, sourcesLog)

	var wireless aggregate.WirelessReader
	if cfg.Wireless.Enabled {
		wireless = blebatt.New(blebatt.NewGATTLink(wirelessLog), cfg, wirelessLog)
	}

	// The side-evidence adapters need the tracked pair set, and the
	// tracker needs the aggregator; the lookup closes over the tracker
	// variable assigned below.
	var tr *tracker.Tracker
	pairs := func() []source.PairRef {
		if tr == nil {
			return nil
		}
		var out []source.PairRef
		for _, rec := range tr.Records() {
			if rec.Type.IsEarbudPair() {
				out = append(out, source.PairRef{NameKey: rec.NameKey(), Address: rec.Address})
			}
		}
		return out
	}

	sides := []aggregate.SideCollector{pref, profiler}
	if cfg.Wireless.Advertisements {
		scanner, err := source.NewAdvertScanner(cfg, wirelessLog)
		if err != nil {
			logger.Warn("advertisement scanner unavailable", "err", err)
		} else if err := scanner.Start(); err != nil {
			logger.Warn("advertisement discovery failed", "err", err)
			scanner.Close()
		} else {
			defer scanner.Close()
			sides = append(sides, source.NewAdvertSideSource(scanner, pairs, 3*time.Second, wirelessLog))
		}
	}
	if cfg.Wireless.AccessoryProtocol {
		timeout := time.Duration(cfg.Sources.CommandTimeoutSeconds) * time.Second
		sides = append(sides, source.NewAccessorySideSource(pairs, timeout, wirelessLog))
	}

	agg := aggregate.New(aggregate.Sources{
		Registry:  registry,
		PrefCache: pref,
		Profiler:  profiler,
		PowerTool: power,
		Sides:     sides,
		Live:      pref,
		Wireless:  wireless,
	}, cfg, batteryLog)

	classifier := classify.New(profiler, pref, trackerLog)

	var enum bluetooth.Enumerator
	var watcher bluetooth.Watcher
	if bz, err := bluetooth.NewBlueZ(trackerLog); err == nil {
		defer bz.Close()
		enum = bz
		watcher = bz
	} else {
		logger.Warn("no bluetooth event bus, enumerating via inventory", "err", err)
		enum = bluetooth.NewInventory(profiler)
	}

	tr = tracker.New(tracker.Deps{
		Enumerator:  enum,
		Watcher:     watcher,
		Classifier:  classifier,
		Aggregator:  agg,
		Invalidator: profiler,
	}, cfg, trackerLog)
	defer agg.OnChange(tr.Reapply)()

	pres := presenter.New(cfg)
	notifier := notify.New(cfg, logger.With("topic", "notify"))
	defer tr.OnConnect(func(rec *device.Record) {
		notifier.ConnectionNotice(ctx, rec)
	})()

	var store *history.Store
	if cfg.History.Enabled {
		dbPath := cfg.History.DBPath
		if dbPath == "" {
			dbPath = config.DataPath("history.db")
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		st, err := history.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open history db: %w", err)
		}
		defer st.Close()
		store = st
		go runHistoryCleanup(ctx, store, cfg, logger)
	}

	var broker *extension.Broker
	if cfg.Extensions.Enabled {
		broker = extension.New(cfg, logger.With("topic", "extensions"))
		go runBrokerSweep(ctx, broker)
	}

	var histSrc ipc.HistorySource
	if store != nil {
		histSrc = store
	}
	socket := cfg.Extensions.SocketPath
	if socket == "" {
		socket = config.RuntimeSocketPath()
	}
	srv := ipc.NewServer(socket, tr, pres, histSrc, broker, logger.With("topic", "ipc"))
	if err := srv.Listen(); err != nil {
		return err
	}
	defer srv.Close()
	go srv.Serve()

	bus := statusbus.NewService(tr, pres, logger.With("topic", "dbus"))
	if err := bus.Export(); err != nil {
		logger.Warn("session bus export failed", "err", err)
	} else {
		defer bus.Close()
	}

	var ind *indicator.Indicator
	if tray {
		ind = indicator.New(cancel, logger.With("topic", "tracker"))
		ind.Start()
		defer ind.Stop()
	}

	var knownMu sync.Mutex
	known := make(map[string]bool)
	defer tr.RegisterCallback(func(recs []*device.Record) {
		current := make(map[string]bool, len(recs))
		for _, rec := range recs {
			current[rec.ID] = true
		}
		knownMu.Lock()
		for id := range known {
			if !current[id] {
				notifier.Forget(id)
				if store != nil {
					store.Forget(id)
				}
			}
		}
		known = current
		knownMu.Unlock()

		if store != nil {
			if err := store.Record(recs); err != nil {
				logger.Error("record history", "err", err)
			}
		}
		notifier.CheckLevels(ctx, recs)
		bus.NotifyChanged()
		if ind != nil {
			ind.Update(pres.Items(recs))
		}
	})()

	go tr.Run(ctx)
	logger.Info("atoll daemon started", "socket", socket)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	tr.Stop()
	return nil
}

// runHistoryCleanup prunes samples past the retention window once at start
// and every six hours after.
func runHistoryCleanup(ctx context.Context, store *history.Store, cfg *config.Config, logger *slog.Logger) {
	retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		before := time.Now().Add(-retention).Unix()
		if n, err := store.DeleteOlderThan(before); err != nil {
			logger.Error("history cleanup", "err", err)
		} else if n > 0 {
			logger.Info("history cleanup", "deleted", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runBrokerSweep expires stale activities once a minute.
func runBrokerSweep(ctx context.Context, broker *extension.Broker) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			broker.Sweep()
		}
	}
}
