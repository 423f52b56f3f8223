package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	replaycache "github.com/replay-cache/replay-cache"
	"github.com/replay-cache/replay-cache/pkg/events"
	"github.com/replay-cache/replay-cache/reqlog"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	upstreamFlag       string
	portFlag           int
	adminPortFlag      int
	cacheDirFlag       string
	indexFileFlag      string
	dbFilenameFlag     string
	certFileFlag       string
	keyFileFlag        string
	proxyFlag          string
	insecureFlag       bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Configuration file (YAML)")
	flag.StringVar(&upstreamFlag, "upstream", "", "Upstream API base URL to record from")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.IntVar(&adminPortFlag, "admin-port", 8081, "Admin port (0 disables the admin surface)")
	flag.StringVar(&cacheDirFlag, "cache", "cache", "Cache root directory")
	flag.StringVar(&indexFileFlag, "index", "cache.json", "Index file name inside the cache root")
	flag.StringVar(&dbFilenameFlag, "db", "requests.db", "Request log DB file name (use 'memory' for in-memory, 'off' to disable)")
	flag.StringVar(&certFileFlag, "cert", "", "TLS certificate file (with -key, listen with TLS)")
	flag.StringVar(&keyFileFlag, "key", "", "TLS key file")
	flag.StringVar(&proxyFlag, "proxy", "", "Outbound proxy URL for upstream calls")
	flag.BoolVar(&insecureFlag, "insecure", false, "Skip TLS verification of the upstream")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cacheConfig := replaycache.Config{
		CachePath: cacheDirFlag,
		IndexFile: indexFileFlag,
		Logger:    &log.Logger,
	}

	// configuration file values, overridden by flags below
	if configFlag != "" {
		fileConfig, err := replaycache.LoadFileConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read configuration file")
		}
		applyFileConfig(&cacheConfig, fileConfig)
	}

	if upstreamFlag != "" {
		upstreamURL, err := url.Parse(upstreamFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse upstream url")
		}
		cacheConfig.UpstreamURL = *upstreamURL
	}
	if cacheConfig.UpstreamURL.Host == "" {
		log.Fatal().Msg("Please specify upstream")
	}
	if proxyFlag != "" {
		proxyURL, err := url.Parse(proxyFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse proxy url")
		}
		cacheConfig.ProxyURL = proxyURL
	}
	if insecureFlag {
		cacheConfig.InsecureTLS = true
	}

	// request log provider
	switch dbFilenameFlag {
	case "off":
	case "memory":
		cacheConfig.RequestLog = reqlog.NewMemLog()
	default:
		requestLog, err := reqlog.NewSQLiteLog(dbFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open request log")
		}
		cacheConfig.RequestLog = requestLog
	}

	sink := events.NewLogSink(log.Logger)
	cacheConfig.Sink = sink

	rcache, err := replaycache.New(cacheConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not initialize cache")
	}

	// admin surface on its own port
	if adminPortFlag != 0 {
		adminAddr := fmt.Sprintf(":%d", adminPortFlag)
		go func() {
			log.Info().Msgf("Admin surface on %s", adminAddr)
			if err := http.ListenAndServe(adminAddr, rcache.AdminHandler()); err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Admin server stopped")
			}
		}()
	}

	addr := fmt.Sprintf(":%d", portFlag)
	server := &http.Server{
		Addr:    addr,
		Handler: rcache,
	}

	go func() {
		sink.Emit(events.Event{
			Kind:    events.KindServerListen,
			Message: "proxying " + addr + " to " + cacheConfig.UpstreamURL.String(),
			Fields:  map[string]string{"addr": addr},
		})
		var err error
		if certFileFlag != "" && keyFileFlag != "" {
			err = server.ListenAndServeTLS(certFileFlag, keyFileFlag)
		} else {
			err = server.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Could not shut down cleanly")
	}
	sink.Emit(events.Event{Kind: events.KindServerStop, Message: "server stopped"})
}

func applyFileConfig(config *replaycache.Config, file replaycache.FileConfig) {
	if file.Upstream.URL != "" {
		if upstreamURL, err := url.Parse(file.Upstream.URL); err == nil {
			config.UpstreamURL = *upstreamURL
		}
	}
	if file.Upstream.Timeout > 0 {
		config.UpstreamTimeout = time.Duration(file.Upstream.Timeout) * time.Second
	}
	if file.Upstream.Proxy != "" {
		if proxyURL, err := url.Parse(file.Upstream.Proxy); err == nil {
			config.ProxyURL = proxyURL
		}
	}
	config.InsecureTLS = file.Upstream.InsecureTLS
	if file.Cache.Path != "" {
		config.CachePath = file.Cache.Path
	}
	if file.Cache.IndexFile != "" {
		config.IndexFile = file.Cache.IndexFile
	}
	config.BypassCache = file.Modes.BypassCache
	config.OverrideMode = file.Modes.OverrideMode
	config.SkipRemote = file.Modes.SkipRemote
	if file.Listen.Port != 0 {
		portFlag = file.Listen.Port
	}
	if file.Listen.AdminPort != 0 {
		adminPortFlag = file.Listen.AdminPort
	}
	if file.Listen.CertFile != "" {
		certFileFlag = file.Listen.CertFile
	}
	if file.Listen.KeyFile != "" {
		keyFileFlag = file.Listen.KeyFile
	}
	if file.RequestLog != "" {
		dbFilenameFlag = file.RequestLog
	}
}
