package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drewcsillag/notecove/pkg/codec"
	"github.com/drewcsillag/notecove/pkg/config"
	"github.com/drewcsillag/notecove/pkg/events"
	"github.com/drewcsillag/notecove/pkg/fsadapter"
	"github.com/drewcsillag/notecove/pkg/health"
	"github.com/drewcsillag/notecove/pkg/log"
	"github.com/drewcsillag/notecove/pkg/manager"
	"github.com/drewcsillag/notecove/pkg/metacache"
	"github.com/drewcsillag/notecove/pkg/metrics"
	"github.com/drewcsillag/notecove/pkg/router"
	"github.com/drewcsillag/notecove/pkg/service"
	"github.com/drewcsillag/notecove/pkg/syncer"
	"github.com/drewcsillag/notecove/pkg/types"

	commentspkg "github.com/drewcsillag/notecove/pkg/comments"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "notecove",
	Short: "NoteCove - local-first notes sync engine",
	Long: `NoteCove keeps rich-text notes, folder trees and comment threads
consistent across concurrent application instances sharing a filesystem
directory - no central server, no locking, and tolerance for cloud
storage filesystems that reorder, defer, or partially deliver writes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NoteCove version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Config file path")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sdCmd)
	rootCmd.AddCommand(noteCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig() (config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	return config.Load(path)
}

// engine bundles everything a running command needs.
type engine struct {
	cfg    config.Config
	cache  *metacache.Cache
	mgr    *manager.Manager
	sync   *syncer.Syncer
	router *router.Router
	broker *events.Broker
	svc    *service.Service
	hmon   *health.Monitor
}

func startEngine(cfg config.Config) (*engine, error) {
	fs := fsadapter.New()

	instanceID, err := config.EnsureInstanceID(fs, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	cache, err := metacache.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	mgr := manager.New(instanceID, cache)
	sync := syncer.New(fs, mgr, cache, broker)
	rtr := router.New(fs, mgr, cache, sync, broker, instanceID, cfg.CompressPacks)

	obs := commentspkg.NewObserver(broker)
	mgr.SetCommentObserver(obs)

	hmon := health.NewMonitor(health.DefaultConfig(), rtr.MarkUnhealthy)

	if err := rtr.OpenRegistered(); err != nil {
		log.Errorf("Failed to open registered SDs", err)
	}
	for _, sd := range cfg.SDs {
		if _, err := rtr.AddSD(sd.Path, sd.Name); err != nil {
			log.Errorf("Failed to open configured SD", err)
		}
	}
	if len(rtr.ListSDs()) == 0 {
		if _, err := rtr.AddSD(cfg.DefaultSDPath(), "default"); err != nil {
			return nil, fmt.Errorf("open default SD: %w", err)
		}
	}
	for _, sd := range rtr.ListSDs() {
		hmon.Watch(sd.ID, health.NewSDProbe(fs, sd.Path))
	}

	mgr.Start()
	sync.Start()

	return &engine{
		cfg:    cfg,
		cache:  cache,
		mgr:    mgr,
		sync:   sync,
		router: rtr,
		broker: broker,
		svc:    service.New(rtr, mgr, sync, cache, broker),
		hmon:   hmon,
	}, nil
}

func (e *engine) shutdown() {
	e.svc.Shutdown()
	e.hmon.Stop()
	e.sync.Stop()
	e.router.Close()
	e.mgr.Destroy()
	e.broker.Stop()
	e.cache.Close()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		eng, err := startEngine(cfg)
		if err != nil {
			return err
		}

		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, "ok")
			})
			go func() {
				srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("Metrics server failed", err)
				}
			}()
		}

		log.Info("NoteCove sync engine running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down")
		eng.shutdown()
		return nil
	},
}

var sdCmd = &cobra.Command{
	Use:   "sd",
	Short: "Manage storage directories",
}

var sdListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered storage directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cache, err := metacache.Open(cfg.DBPath())
		if err != nil {
			return err
		}
		defer cache.Close()

		sds, err := cache.ListSDs()
		if err != nil {
			return err
		}
		for _, sd := range sds {
			active := " "
			if sd.Active {
				active = "*"
			}
			fmt.Printf("%s %s  %-20s %s\n", active, sd.ID, sd.Name, sd.Path)
		}
		return nil
	},
}

var sdCreateCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create and register a storage directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := startEngine(cfg)
		if err != nil {
			return err
		}
		defer eng.shutdown()

		sdID, err := eng.router.AddSD(args[0], name)
		if err != nil {
			return err
		}
		fmt.Printf("Created SD %s at %s\n", sdID, args[0])
		return nil
	},
}

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Inspect notes",
}

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached notes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cache, err := metacache.Open(cfg.DBPath())
		if err != nil {
			return err
		}
		defer cache.Close()

		notes, err := cache.ListNotes()
		if err != nil {
			return err
		}
		for _, n := range notes {
			state := " "
			if n.Deleted {
				state = "D"
			}
			fmt.Printf("%s %s  %s\n", state, n.ID, n.TitleText)
		}
		return nil
	},
}

var noteDumpCmd = &cobra.Command{
	Use:   "dump <note-id>",
	Short: "Dump a note's update logs, packs and snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cache, err := metacache.Open(cfg.DBPath())
		if err != nil {
			return err
		}
		defer cache.Close()

		noteID, err := types.NormalizeID(args[0])
		if err != nil {
			return err
		}
		md, err := cache.GetNote(noteID)
		if err != nil {
			return err
		}
		sd, err := cache.GetSD(md.SDID)
		if err != nil {
			return err
		}

		fmt.Printf("Note %s in SD %s (%s)\n", noteID, sd.ID, sd.Path)
		base := filepath.Join(sd.Path, "notes", noteID)
		dumpUpdates(filepath.Join(base, "updates"))
		dumpPacks(filepath.Join(base, "packs"))
		dumpSnapshots(filepath.Join(base, "snapshots"))
		return nil
	},
}

func dumpUpdates(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Println("\nupdates: none")
		return
	}
	fmt.Println("\nupdates:")
	for _, e := range entries {
		if inst, _, ok := codec.ParseUpdateFileName(e.Name()); ok {
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				fmt.Printf("  %s: read failed: %v\n", e.Name(), err)
				continue
			}
			recs, decErr := codec.DecodeRecords(inst, data)
			fmt.Printf("  %s (%d records)\n", e.Name(), len(recs))
			for _, r := range recs {
				fmt.Printf("    seq %-6d %s  %5d bytes  offset %d\n",
					r.Sequence, formatMillis(r.Timestamp), len(r.Payload), r.Offset)
			}
			if decErr != nil {
				fmt.Printf("    decode stopped: %v\n", decErr)
			}
			continue
		}
		if _, seq, ok := codec.ParseLegacyUpdateFileName(e.Name()); ok {
			info, err := e.Info()
			size := int64(0)
			if err == nil {
				size = info.Size()
			}
			fmt.Printf("  %s (legacy, seq %d, %d bytes)\n", e.Name(), seq, size)
		}
	}
}

func dumpPacks(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Println("\npacks: none")
		return
	}
	fmt.Println("\npacks:")
	for _, e := range entries {
		_, _, _, compressed, ok := codec.ParsePackFileName(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			fmt.Printf("  %s: read failed: %v\n", e.Name(), err)
			continue
		}
		pack, err := codec.DecodePack(data, compressed)
		if err != nil {
			fmt.Printf("  %s: decode failed: %v\n", e.Name(), err)
			continue
		}
		fmt.Printf("  %s [%d..%d] instance %s, %d records\n",
			e.Name(), pack.StartSeq, pack.EndSeq, pack.InstanceID, len(pack.Records))
		for _, r := range pack.Records {
			fmt.Printf("    seq %-6d %s  %5d bytes\n",
				r.Sequence, formatMillis(r.Timestamp), len(r.Payload))
		}
	}
}

func dumpSnapshots(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Println("\nsnapshots: none")
		return
	}
	fmt.Println("\nsnapshots:")
	for _, e := range entries {
		if _, _, ok := codec.ParseSnapshotFileName(e.Name()); !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			fmt.Printf("  %s: read failed: %v\n", e.Name(), err)
			continue
		}
		snap, err := codec.DecodeSnapshot(data)
		if err != nil {
			fmt.Printf("  %s: decode failed: %v\n", e.Name(), err)
			continue
		}
		fmt.Printf("  %s created %s, %d total changes, %d state bytes\n",
			e.Name(), formatMillis(snap.CreatedAt), snap.TotalChanges, len(snap.State))
		for inst, entry := range snap.Clock {
			fmt.Printf("    clock %s: seq %d (%s)\n", inst, entry.Sequence, entry.File)
		}
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func init() {
	sdCreateCmd.Flags().String("name", "", "Display name for the SD")
	sdCmd.AddCommand(sdListCmd)
	sdCmd.AddCommand(sdCreateCmd)
	noteCmd.AddCommand(noteListCmd)
	noteCmd.AddCommand(noteDumpCmd)
}
