package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neuralsieve/relay/internal/server"
	"github.com/neuralsieve/relay/internal/service"
)

func newServeCmd() *cobra.Command {
	var (
		host            string
		port            int
		dev             bool
		dbDriver        string
		dbDSN           string
		maxPending      int64
		maxContentBytes int
		rateLimit       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the HTTP server that accepts captures, serves the pending queue, and
manages API keys. Binds to localhost by default; put a TLS-terminating tunnel
or reverse proxy in front for remote clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev, dbDriver, dbDSN, maxPending, maxContentBytes, rateLimit)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "HTTP listen host")
	cmd.Flags().IntVarP(&port, "port", "p", 8421, "HTTP listen port")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "", "store backend: sqlite (default) or postgres")
	cmd.Flags().StringVar(&dbDSN, "db-dsn", "", "store DSN (postgres only)")
	cmd.Flags().Int64Var(&maxPending, "max-pending", 1000, "pending queue ceiling, 0 for unbounded")
	cmd.Flags().IntVar(&maxContentBytes, "max-content-bytes", 512000, "capture content size ceiling")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 120, "per-key requests per minute, 0 to disable")

	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("store.driver", cmd.Flags().Lookup("db-driver"))
	viper.BindPFlag("store.dsn", cmd.Flags().Lookup("db-dsn"))

	return cmd
}

func runServe(host string, port int, dev bool, dbDriver, dbDSN string, maxPending int64, maxContentBytes, rateLimit int) error {
	logLevel := slog.LevelInfo
	if dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("init relay store: %w", err)
	}
	defer st.Close()
	logger.Info("relay store initialized", "driver", viper.GetString("store.driver"))

	authSvc := service.NewAuthService(st)

	srvCfg := server.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     1 << 20,
		MaxContentBytes: maxContentBytes,
		MaxPending:      maxPending,
		RateLimitPerMin: rateLimit,
		Version:         appVersion,
	}

	srv := server.New(srvCfg, st, authSvc, logger)

	fmt.Printf("→ Sieve Relay %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ OpenAPI:  http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:   http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}
