package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/amanullahtanweer/revstream/internal/audio"
	"github.com/amanullahtanweer/revstream/internal/config"
	"github.com/amanullahtanweer/revstream/internal/metrics"
	"github.com/amanullahtanweer/revstream/internal/publish"
	"github.com/amanullahtanweer/revstream/internal/server"
	"github.com/amanullahtanweer/revstream/internal/streaming"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:          "revstream",
	Short:        "Streaming speech-to-text against rev.ai",
	Long:         `revstream bridges Asterisk AudioSocket calls and local audio sources to the rev.ai streaming API.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AudioSocket server",
	RunE:  runServe,
}

var streamCmd = &cobra.Command{
	Use:   "stream <file>",
	Short: "Stream an audio file and print the transcript",
	Long:  `Stream a raw, FLAC or WAV file to rev.ai. WAV files are sent as raw PCM using the format in their header.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStream,
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().String("config", "", "Configuration file path")
	rootCmd.PersistentFlags().String("access-token", "", "rev.ai access token")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("base-url", "", "Streaming endpoint base URL")

	streamCmd.Flags().String("content-type", "", "Content type of non-WAV input (raw, flac, wav)")
	streamCmd.Flags().Duration("idle-timeout", 2*time.Second, "Close the stream after this long without new data")
	streamCmd.Flags().Bool("partials", false, "Print partial hypotheses")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("access_token", rootCmd.PersistentFlags().Lookup("access-token"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base-url"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
}

func initEnv() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	viper.SetEnvPrefix("revstream")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the file, applies environment and flag overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("access_token"); v != "" {
		cfg.Streaming.AccessToken = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("base_url"); v != "" {
		cfg.Streaming.BaseURL = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger()

	streamingCfg, err := cfg.Streaming.ToStreaming()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(logger)}

	if cfg.Redis.Enabled {
		client, err := publish.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()

		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
		opts = append(opts,
			server.WithStore(publish.NewStore(client, cfg.Redis.KeyPrefix)),
			server.WithPublisher(client, publish.PublisherOptions{
				Stream:   cfg.Redis.Stream,
				MaxLen:   cfg.Redis.StreamMaxLen,
				Partials: cfg.Redis.PublishPartials,
			}),
		)
	}

	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithCollector(metrics.NewCollector(prometheus.DefaultRegisterer)))
	}

	srv, err := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Streaming:       streamingCfg,
		OutputDir:       cfg.Transcription.OutputDir,
		SaveTranscripts: cfg.Transcription.SaveTranscripts,
		SaveAudio:       cfg.Transcription.SaveAudio,
		SessionLogs:     cfg.Transcription.SessionLogs,
		ShutdownGrace:   cfg.Server.ShutdownGrace,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)

	var httpSrv *http.Server
	if cfg.Metrics.Enabled {
		httpSrv = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           newRouter(cfg.Metrics.Path),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Address, "path", cfg.Metrics.Path)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		srv.Stop()
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func newRouter(metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle(metricsPath, promhttp.Handler())
	return r
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logging.NewLogger()

	streamingCfg, err := cfg.Streaming.ToStreaming()
	if err != nil {
		return err
	}
	if ct, _ := cmd.Flags().GetString("content-type"); ct != "" {
		if streamingCfg.ContentType, err = streaming.ParseContentType(ct); err != nil {
			return err
		}
	}
	if streamingCfg.IdleTimeout == 0 && streamingCfg.StartTimeout == 0 {
		streamingCfg.IdleTimeout, _ = cmd.Flags().GetDuration("idle-timeout")
	}

	path := args[0]
	var src io.ReadCloser
	bytesPerSecond := metrics.DefaultBytesPerSecond
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		wav, format, err := audio.OpenWAV(path)
		if err != nil {
			return err
		}
		raw, err := format.RawParameters()
		if err != nil {
			wav.Close()
			return err
		}
		streamingCfg.ContentType = streaming.ContentTypeRaw
		streamingCfg.Raw = raw
		bytesPerSecond = int(format.SampleRate) * int(format.Channels) * int(format.BitsPerSample) / 8
		src = wav
	} else {
		if src, err = audio.OpenFile(path); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	partials, _ := cmd.Flags().GetBool("partials")
	sessionMetrics := metrics.NewSessionMetrics("")
	sessionMetrics.BytesPerSecond = bytesPerSecond

	session, err := streaming.NewSession(streamingCfg,
		streaming.WithLogger(logger),
		streaming.WithObserver(sessionMetrics),
		streaming.WithListener(streaming.ListenerFunc(func(ev streaming.Event) {
			switch {
			case ev.IsFinal():
				fmt.Println(ev.Text())
			case partials && ev.Type == streaming.EventPartial:
				fmt.Fprintln(os.Stderr, "... "+ev.Text())
			}
		})),
	)
	if err != nil {
		src.Close()
		return err
	}
	sessionMetrics.SessionID = session.ID()
	session.Start(context.Background())

	readErr := session.NewReader(src).Run(ctx)
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		logger.Error("audio source failed", "err", readErr)
	}
	session.Close()
	<-session.Done()
	sessionMetrics.Finalize()

	table := tablewriter.NewWriter(os.Stderr)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(sessionMetrics.Rows())
	table.Render()

	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return readErr
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("revstream failed", "err", err)
		os.Exit(1)
	}
}
