package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/nedfreetoplay/hydrus/pkg/config"
	"github.com/nedfreetoplay/hydrus/pkg/engine"
	"github.com/nedfreetoplay/hydrus/pkg/log"
	"github.com/nedfreetoplay/hydrus/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 clean, 1 startup failure, 2 another instance running and
// the user declined to replace it.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitDeclined       = 2
)

var (
	flagDBDir    string
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitStartupFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hydrus-server",
	Short: "Hydrus - peer-hosted content repository server",
	Long: `Hydrus server hosts tagged-file repositories: clients upload files
and tag mappings, moderators resolve petitions, and everyone synchronizes
through content-addressed update bundles.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hydrus server version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagDBDir, "db_dir", defaultDBDir(), "Base directory for databases and files")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: <db_dir>/server.conf)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(flagLogLevel),
		JSONOutput: flagLogJSON,
	})
}

func defaultDBDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "db"
	}
	return filepath.Join(home, "hydrus", "db")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runStart())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running server",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runStop())
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop a running server, then start a new one",
	Run: func(cmd *cobra.Command, args []string) {
		if code := runStop(); code != exitOK {
			os.Exit(code)
		}
		os.Exit(runStart())
	},
}

func runStart() int {
	logger := log.WithComponent("main")

	metrics.SetVersion(Version)

	cfg, err := config.Load(flagConfig, flagDBDir)
	if err != nil {
		logger.Error().Err(err).Msg("loading configuration")
		return exitStartupFailure
	}

	if err := os.MkdirAll(cfg.DBDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("creating db dir")
		return exitStartupFailure
	}

	lock := flock.New(filepath.Join(cfg.DBDir, "server.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		logger.Error().Err(err).Msg("acquiring instance lock")
		return exitStartupFailure
	}
	if !locked {
		if !confirmReplace(cfg.AdminPort) {
			fmt.Fprintln(os.Stderr, "Another instance is running; leaving it alone.")
			return exitDeclined
		}
		if err := postShutdown(cfg.AdminPort); err != nil {
			logger.Error().Err(err).Msg("shutting down the running instance")
			return exitStartupFailure
		}
		if !waitForLock(lock, 30*time.Second) {
			logger.Error().Msg("the running instance did not release the data directory")
			return exitStartupFailure
		}
	}
	defer func() { _ = lock.Unlock() }()

	e, err := engine.Start(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("engine start failed")
		return exitStartupFailure
	}
	e.Run()

	shutdownCh := make(chan struct{}, 1)
	adminSrv := serveAdmin(cfg.AdminPort, e, shutdownCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-shutdownCh:
		logger.Info().Msg("shutdown requested over the admin port")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(ctx)
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown failed")
	}
	return exitOK
}

func runStop() int {
	cfg, err := config.Load(flagConfig, flagDBDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitStartupFailure
	}
	if !instanceRunning(cfg.AdminPort) {
		fmt.Println("No instance is running.")
		return exitOK
	}
	if err := postShutdown(cfg.AdminPort); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitStartupFailure
	}
	fmt.Println("Shutdown requested.")
	return exitOK
}

// serveAdmin exposes the loopback-only maintenance endpoints: liveness,
// Prometheus metrics, and the shutdown hook the CLI lifecycle uses. The
// repository wire protocol itself is served by the framing layer, not here.
func serveAdmin(port int, e *engine.Engine, shutdownCh chan<- struct{}) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "%s\n", e.Busy.Holder())
	})
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger := log.WithComponent("main")
			logger.Error().Err(err).Msg("admin listener failed")
		}
	}()
	return srv
}

func instanceRunning(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func postShutdown(port int) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%d/shutdown", port), "text/plain", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown returned %s", resp.Status)
	}
	return nil
}

func confirmReplace(port int) bool {
	if !instanceRunning(port) {
		// The lock is held but nothing answers; a stale lock from a crash.
		return true
	}
	fmt.Print("Another instance is running. Replace it? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func waitForLock(lock *flock.Flock, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		locked, err := lock.TryLock()
		if err == nil && locked {
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}
