package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/pagerelay/pagerelay/pkg/config"
	"github.com/pagerelay/pagerelay/pkg/daemon"
	"github.com/pagerelay/pagerelay/pkg/events"
	"github.com/pagerelay/pagerelay/pkg/ingest"
	"github.com/pagerelay/pagerelay/pkg/log"
	"github.com/pagerelay/pagerelay/pkg/metrics"
	"github.com/pagerelay/pagerelay/pkg/pathgroup"
	"github.com/pagerelay/pagerelay/pkg/policy"
	"github.com/pagerelay/pagerelay/pkg/progress"
	"github.com/pagerelay/pagerelay/pkg/proxy"
	"github.com/pagerelay/pagerelay/pkg/rclone"
	"github.com/pagerelay/pagerelay/pkg/router"
	"github.com/pagerelay/pagerelay/pkg/state"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pagerelay",
		Short: "Image read proxy and multi-remote storage gateway",
		Long: `pagerelay routes manga page reads across groups of cloud storage
remotes, supervises per-remote rclone serve daemons, and ingests bulk
chapter archives.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(switchGroupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the wired runtime shared by serve and ingest.
type app struct {
	cfg        *config.Config
	store      *state.Store
	router     *router.Router
	policy     *policy.Service
	supervisor *daemon.Supervisor
	broker     *events.Broker
	tracker    *progress.Tracker
	ingest     *ingest.Service
}

func buildApp(withDaemons bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON, Output: os.Stderr})
	pathgroup.SetLegacyPrefix(cfg.Group2PathPrefix)

	store, err := state.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	var sup *daemon.Supervisor
	if withDaemons && cfg.Serve.Enabled {
		sup = daemon.NewSupervisor(daemon.Config{
			Binary:             cfg.RcloneBinary,
			Host:               cfg.Serve.Host,
			PortStart:          cfg.Serve.PortStart,
			WorkerIndex:        cfg.WorkerIndex,
			PortSlots:          cfg.WorkerPortSlots,
			VFSCacheMode:       cfg.Serve.VFSCacheMode,
			BufferSize:         cfg.Serve.BufferSize,
			VFSCacheMaxSize:    cfg.Serve.VFSCacheMaxSize,
			VFSCacheMaxAge:     cfg.Serve.VFSCacheMaxAge,
			StartupTimeout:     time.Duration(cfg.Serve.StartupTimeoutSec) * time.Second,
			AutoRestart:        cfg.Serve.AutoRestart,
			MaxRestartAttempts: cfg.Serve.MaxRestartAttempts,
			ReadOnly:           cfg.Serve.ReadOnly,
			NoChecksum:         cfg.Serve.NoChecksum,
			Auth:               cfg.Serve.Auth,
		}).WithEvents(broker)
	}

	specs := make([]router.GroupSpec, 0, len(cfg.Groups()))
	for _, g := range cfg.Groups() {
		specs = append(specs, router.GroupSpec{
			Number:     g.Number,
			Primary:    g.Primary,
			Backups:    g.Backups,
			QuotaBytes: int64(g.QuotaGB) << 30,
		})
	}

	var routerSup router.Supervisor
	if sup != nil {
		routerSup = sup
	}
	rt := router.New(specs, cfg.Strategy, rclone.Options{
		Binary:  cfg.RcloneBinary,
		Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
	}, routerSup).WithEvents(broker)

	// Re-seed upload counters from the last run so quota ceilings hold
	// across restarts.
	if usage, err := store.ListGroupUsage(); err == nil {
		for _, u := range usage {
			if rt.HasGroup(u.Group) {
				rt.RecordUploadBytes(u.Group, u.UploadedBytes)
			}
		}
	}

	pol, err := policy.New(cfg.StateDir, rt, cfg.AutoSwitchGroup)
	if err != nil {
		store.Close()
		return nil, err
	}
	pol.WithEvents(broker)

	tracker := progress.NewTracker(store)

	return &app{
		cfg:        cfg,
		store:      store,
		router:     rt,
		policy:     pol,
		supervisor: sup,
		broker:     broker,
		tracker:    tracker,
		ingest:     ingest.NewService(rt, pol, ingest.NewMemoryCatalog(), tracker, broker, cfg.CacheDir),
	}, nil
}

func (a *app) close() {
	a.ingest.WaitMirrors()
	a.broker.Stop()
	a.store.Close()
}

// persistUsage snapshots each group's upload counter into the store.
func (a *app) persistUsage() {
	for _, h := range a.router.HealthAll() {
		metrics.RemotesAvailable.WithLabelValues(strconv.Itoa(h.Group)).Set(float64(h.AvailableRemotes))
		_ = a.store.SaveGroupUsage(&state.GroupUsage{
			Group:         h.Group,
			UploadedBytes: h.UploadedBytes,
			IsFull:        h.IsFull,
			FullReason:    h.FullReason,
		})
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the read proxy, daemon supervisor, and ingest API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if a.supervisor != nil {
				for _, n := range a.router.Groups() {
					a.supervisor.StartAll(ctx, a.router.Remotes(n))
				}
			}

			go a.router.RunAutoRecovery(ctx)
			go a.tracker.RunSweeper(ctx)
			go func() {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						a.persistUsage()
					}
				}
			}()

			// Without a supervisor there are no daemons; the fallback
			// path is the only read path and stays on.
			reader := proxy.NewReader(a.router, daemon.NewPool(), a.cfg.MaxRetries).
				WithFallback(a.cfg.Serve.Fallback || a.supervisor == nil)

			srv := proxy.NewServer(proxy.Options{
				Addr:       a.cfg.HTTPAddr,
				Reader:     reader,
				Router:     a.router,
				Policy:     a.policy,
				Supervisor: a.supervisor,
				Tracker:    a.tracker,
				Ingest:     a.ingest,
			})
			if err := srv.Start(); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			log.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Errorf("http shutdown failed", err)
			}
			if a.supervisor != nil {
				a.supervisor.Stop()
			}
			a.persistUsage()
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	var (
		archivePath   string
		baseFolder    string
		seriesType    string
		seriesStatus  string
		dryRun        bool
		preserveNames bool
		onConflict    string
		resumeToken   string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Import a chapter archive from the command line",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			data, err := os.ReadFile(archivePath)
			if err != nil {
				return err
			}

			var bar *progressbar.ProgressBar
			if !dryRun {
				bar = progressbar.NewOptions(-1,
					progressbar.OptionSetDescription("uploading chapters"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSpinnerType(14),
				)
				sub := a.broker.Subscribe(events.EventIngestChapter)
				defer sub.Close()
				go func() {
					for range sub.C() {
						bar.Add(1)
					}
				}()
			}

			report, err := a.ingest.Import(cmd.Context(), data, ingest.Params{
				BaseFolder:    baseFolder,
				Type:          seriesType,
				Status:        seriesStatus,
				DryRun:        dryRun,
				PreserveNames: preserveNames,
				OnConflict:    onConflict,
				ResumeToken:   resumeToken,
			})
			if err != nil {
				return err
			}
			if bar != nil {
				bar.Finish()
				fmt.Fprintln(os.Stderr)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if !report.Completed {
				return fmt.Errorf("import incomplete, resume with --resume %s", report.ResumeToken)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&archivePath, "archive", "a", "", "path to the ZIP archive (required)")
	cmd.Flags().StringVarP(&baseFolder, "base-folder", "b", "", "remote base folder (required)")
	cmd.Flags().StringVar(&seriesType, "type", "", "series type when no metadata file resolves it")
	cmd.Flags().StringVar(&seriesStatus, "status", "", "series status when no metadata file resolves it")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only, upload nothing")
	cmd.Flags().BoolVar(&preserveNames, "preserve-names", false, "keep original page file names")
	cmd.Flags().StringVar(&onConflict, "on-conflict", ingest.ConflictSkip, "existing chapter handling: skip or error")
	cmd.Flags().StringVar(&resumeToken, "resume", "", "resume token from a failed import")
	cmd.MarkFlagRequired("archive")
	cmd.MarkFlagRequired("base-folder")
	return cmd
}

func statusCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(server + "/admin/status")
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://127.0.0.1:8000", "gateway base URL")
	return cmd
}

func switchGroupCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "switch-group <number>",
		Short: "Switch the active write group on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("group must be a number: %q", args[0])
			}

			body, _ := json.Marshal(map[string]int{"group": n})
			resp, err := http.Post(server+"/admin/switch-group", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(out))
			}
			fmt.Println(string(bytes.TrimSpace(out)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://127.0.0.1:8000", "gateway base URL")
	return cmd
}

func getJSON(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
