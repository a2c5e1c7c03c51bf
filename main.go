package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/recursord/api"
	"github.com/semihalev/recursord/config"
	"github.com/semihalev/recursord/internal/anchor"
	"github.com/semihalev/recursord/internal/infra"
	"github.com/semihalev/recursord/internal/iterator"
	"github.com/semihalev/recursord/internal/msgcache"
	"github.com/semihalev/recursord/internal/pipeline"
	"github.com/semihalev/recursord/internal/rrcache"
	"github.com/semihalev/recursord/internal/validator"
	"github.com/semihalev/recursord/middleware"
	"github.com/semihalev/recursord/server"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"

	_ "github.com/semihalev/recursord/middleware/accesslist"
	_ "github.com/semihalev/recursord/middleware/accesslog"
	_ "github.com/semihalev/recursord/middleware/edns"
	_ "github.com/semihalev/recursord/middleware/metrics"
	_ "github.com/semihalev/recursord/middleware/ratelimit"
	_ "github.com/semihalev/recursord/middleware/recovery"
)

const version = "0.1.0"

var flagcfgpath string

var rootCmd = &cobra.Command{
	Use:     "recursord",
	Short:   "Recursive, caching, validating DNS resolver",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "config-check",
	Short: "Parse the config file and report problems without starting",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagcfgpath, version)
		if err != nil {
			return err
		}
		if _, err := cfg.NSEC3Rules(); err != nil {
			return err
		}
		if _, err := cfg.OverrideDate(); err != nil {
			return err
		}
		if _, _, err := loadAnchors(cfg); err != nil {
			return err
		}
		fmt.Println("config ok")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("recursord v" + version)
	},
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	rootCmd.PersistentFlags().StringVarP(&flagcfgpath, "config", "c", "recursord.conf",
		"location of the config file, generated with defaults if missing")
	rootCmd.AddCommand(configCheckCmd, versionCmd)
}

func setupLogging(level string) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "warn", "warning":
		logger.SetLevel(zlog.LevelWarn)
	case "error", "crit":
		logger.SetLevel(zlog.LevelError)
	default:
		logger.SetLevel(zlog.LevelInfo)
	}

	zlog.SetDefault(logger)
}

// loadAnchors assembles the validator's trust anchor set from the inline
// rootkeys, trust-anchor entries, trust-anchor-file, and the RFC 5011
// auto-trust-anchor state. The returned store is nil unless
// auto-trust-anchor-file is configured.
func loadAnchors(cfg *config.Config) (*validator.Anchors, *anchor.Store, error) {
	anchors := validator.NewAnchors()

	add := func(text string) error {
		rr, err := dns.NewRR(text)
		if err != nil {
			return fmt.Errorf("trust anchor %q: %w", text, err)
		}
		switch rr.Header().Rrtype {
		case dns.TypeDNSKEY, dns.TypeDS:
			anchors.Add(rr.Header().Name, rr)
		}
		return nil
	}

	for _, text := range cfg.RootKeys {
		if err := add(text); err != nil {
			return nil, nil, err
		}
	}
	for _, text := range cfg.TrustAnchor {
		if err := add(text); err != nil {
			return nil, nil, err
		}
	}

	for _, path := range []string{cfg.TrustAnchorFile, cfg.TrustedKeysFile} {
		if path == "" {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
				continue
			}
			if err := add(line); err != nil {
				f.Close()
				return nil, nil, err
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, nil, err
		}
	}

	var store *anchor.Store
	if cfg.AutoTrustAnchorFile != "" {
		var err error
		store, err = anchor.Load(cfg.AutoTrustAnchorFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, nil, err
			}
			rootkeys, kerr := parseRRs(cfg.RootKeys)
			if kerr != nil {
				return nil, nil, kerr
			}
			store = anchor.NewFromRootKeys(cfg.AutoTrustAnchorFile, rootkeys)
			if serr := store.Save(); serr != nil {
				zlog.Warn("Auto trust anchor state not saved", "path", cfg.AutoTrustAnchorFile, "error", serr.Error())
			}
		}
		for _, rr := range store.Valid() {
			anchors.Add(rr.Header().Name, rr)
		}
	}

	return anchors, store, nil
}

func parseRRs(texts []string) ([]dns.RR, error) {
	var out []dns.RR
	for _, text := range texts {
		rr, err := dns.NewRR(text)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, nil
}

// buildWorker wires the shared caches, trust anchors and config knobs into
// the pipeline worker.
func buildWorker(cfg *config.Config) (*pipeline.Worker, *validator.Anchors, error) {
	anchors, store, err := loadAnchors(cfg)
	if err != nil {
		return nil, nil, err
	}

	nsec3Rules, err := cfg.NSEC3Rules()
	if err != nil {
		return nil, nil, err
	}
	overrideDate, err := cfg.OverrideDate()
	if err != nil {
		return nil, nil, err
	}

	iterCfg := iterator.DefaultConfig()
	if len(cfg.TargetFetchPolicy) > 0 {
		iterCfg.TargetFetchPolicy = cfg.TargetFetchPolicy
	}
	iterCfg.HardenGlue = cfg.HardenGlue
	iterCfg.HardenReferralPath = cfg.HardenReferralPath
	iterCfg.PreferIPv6 = cfg.DoIP6
	iterCfg.CacheMinTTL = cfg.CacheMinTTL
	iterCfg.CacheMaxTTL = cfg.CacheMaxTTL

	valCfg := validator.DefaultConfig()
	valCfg.PermissiveMode = cfg.ValPermissiveMode
	valCfg.IgnoreCDFlag = cfg.IgnoreCDFlag
	valCfg.CleanAdditional = cfg.ValCleanAdditional
	valCfg.HardenStripped = cfg.HardenDNSSECStripped
	valCfg.BogusTTL = time.Duration(cfg.BogusTTL) * time.Second
	valCfg.SigSkewMin = time.Duration(cfg.ValSigSkewMin) * time.Second
	valCfg.SigSkewMax = time.Duration(cfg.ValSigSkewMax) * time.Second
	valCfg.DateOverride = overrideDate
	valCfg.InsecureZones = cfg.DomainInsecure
	if len(nsec3Rules) > 0 {
		valCfg.NSEC3Iterations = valCfg.NSEC3Iterations[:0]
		for _, r := range nsec3Rules {
			valCfg.NSEC3Iterations = append(valCfg.NSEC3Iterations, validator.IterationRule{KeyBits: r.KeyBits, MaxIter: r.MaxIter})
		}
	}

	rootHints := cfg.RootServers
	if cfg.DoIP6 {
		rootHints = append(rootHints, cfg.Root6Servers...)
	}

	doNotQuery := cfg.DoNotQueryAddress
	if cfg.DoNotQueryLocalhost {
		doNotQuery = append(doNotQuery, "127.", "[::1]", "0.0.0.0")
	}

	rr := rrcache.New(int64(cfg.RRsetCacheSize), cfg.RRsetCacheSlabs)
	env := &pipeline.Env{
		Msg:               msgcache.New(rr, int64(cfg.MsgCacheSize), cfg.MsgCacheSlabs),
		RR:                rr,
		Infra:             infra.New(cfg.InfraCacheNumhosts, cfg.InfraCacheSlabs),
		Key:               validator.NewKeyCache(int64(cfg.KeyCacheSize), cfg.KeyCacheSlabs),
		Anchors:           anchors,
		Anchor:            store,
		IterConfig:        iterCfg,
		ValConfig:         valCfg,
		RootHints:         rootHints,
		StubZones:         cfg.StubZones,
		ForwardZones:      forwardZones(cfg),
		DoNotQuery:        doNotQuery,
		MaxOutstanding:    cfg.MaxOutstanding,
		PrefetchThreshold: cfg.Prefetch,
		PrefetchKey:       cfg.PrefetchKey,
		Exchanger:         pipeline.NewNetExchanger(cfg.EDNSBufferSize),
		Now:               time.Now,
	}

	return pipeline.NewWorker(env), anchors, nil
}

// forwardZones merges the forward-zones table with the flat forwarderservers
// list, which forwards everything when set.
func forwardZones(cfg *config.Config) map[string][]string {
	zones := make(map[string][]string, len(cfg.ForwardZones)+1)
	for zone, addrs := range cfg.ForwardZones {
		zones[dns.Fqdn(strings.ToLower(zone))] = addrs
	}
	if len(cfg.ForwarderServers) > 0 {
		zones["."] = cfg.ForwarderServers
	}
	if len(zones) == 0 {
		return nil
	}
	return zones
}

func run() error {
	cfg, err := config.Load(flagcfgpath, version)
	if err != nil {
		return err
	}

	setupLogging(cfg.LogLevel)
	zlog.Info("Starting recursord...", "version", version)

	worker, anchors, err := buildWorker(cfg)
	if err != nil {
		return err
	}

	middleware.Register("resolver", func(*config.Config) middleware.Handler {
		return pipeline.NewHandler(worker)
	})
	middleware.SetConfig(cfg)
	if err := middleware.Setup(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg)
	srv.Run()

	a := api.New(cfg)
	a.Run(ctx)

	var watcher interface{ Close() error }
	if cfg.TrustAnchorFile != "" {
		watcher, err = config.Watch(cfg.TrustAnchorFile, func() {
			zlog.Info("Trust anchor file changed, reloading", "path", cfg.TrustAnchorFile)
			fresh, _, lerr := loadAnchors(cfg)
			if lerr != nil {
				zlog.Error("Trust anchor reload failed", "error", lerr.Error())
				return
			}
			anchors.Replace(fresh)
		})
		if err != nil {
			zlog.Warn("Trust anchor watch failed", "error", err.Error())
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	if watcher != nil {
		_ = watcher.Close()
	}
	zlog.Info("Stopping recursord...")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zlog.Error("recursord failed", "error", err.Error())
		os.Exit(1)
	}
}
