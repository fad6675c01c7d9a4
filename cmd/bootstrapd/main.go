package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/api"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/artifact"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/config"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/dhcp"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/hooks"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/notify"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/orchestrator"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/queue"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/redfish"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/runner"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/specloader"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/store"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/types"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

var initOnly bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "bootstrapd",
	Short:   "bootstrapd - Parallel Virtual Cluster auto-bootstrap daemon",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("bootstrapd version %s (%s)\n", Version, Commit))
	rootCmd.Flags().BoolVar(&initOnly, "init-only", false, "initialize the database, spec repository, and TFTP root, then exit")
}

func banner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("|----------------------------------------------------------|")
	fmt.Println("|              bootstrapd auto-bootstrap daemon            |")
	fmt.Println("|----------------------------------------------------------|")
	fmt.Printf("| Version: %-49s|\n", Version)
	fmt.Printf("| Debug: %-51v|\n", cfg.Debug)
	fmt.Printf("| Listen: %-50s|\n", fmt.Sprintf("%s:%d", cfg.API.Address, cfg.API.Port))
	fmt.Println("|----------------------------------------------------------|")
	fmt.Println()
}

func run() error {
	cfgPath, err := config.Path()
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: !cfg.Debug})
	logger := log.WithComponent("main")

	banner(cfg)

	notifier := notify.New(cfg.Notify)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	notifier.Send(ctx, notify.StatusInfo, "initializing bootstrapd")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	loader := specloader.New(cfg.Ansible)
	if err := loader.InitRepository(ctx); err != nil {
		return fmt.Errorf("init spec repository: %w", err)
	}

	renderer := artifact.New(cfg.TFTP, cfg.DHCP.Address, cfg.API.Port)
	if _, err := renderer.InitTFTPRoot(cfg.Ansible.KeyFile); err != nil {
		return fmt.Errorf("init tftp root: %w", err)
	}

	if initOnly {
		logger.Info().Msg("successfully initialized bootstrapd; exiting")
		notifier.Send(ctx, notify.StatusCompleted, "successfully initialized bootstrapd")
		return nil
	}

	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}
	defer q.Close()

	hookRunner, err := hooks.New(cfg.Ansible, cfg.DeployUsername)
	if err != nil {
		return fmt.Errorf("init hook runner: %w", err)
	}
	runnerImpl := runner.New(cfg.Ansible, loader)

	redfishInit := func(ctx context.Context, node *types.Node, entry types.BootstrapEntry) error {
		_, enqueueErr := q.Enqueue(redfishTaskKind, redfishTask{NodeID: node.ID, Entry: entry})
		return enqueueErr
	}

	orch := orchestrator.New(st, loader, notifier, hookRunner, runnerImpl, cfg.Ansible.CSpecFiles, redfishInit)

	q.RegisterHandler(api.TaskKindDnsmasqCheckin, api.DnsmasqCheckinHandler(orch))
	q.RegisterHandler(api.TaskKindHostCheckin, api.HostCheckinHandler(orch))
	q.RegisterHandler(redfishTaskKind, redfishHandler(st, notifier, renderer, cfg.Ansible.Remote))

	dnsmasq := dhcp.New(cfg.DHCP, cfg.TFTP, cfg.API.Port, cfg.Debug)
	if err := dnsmasq.Start(ctx); err != nil {
		return fmt.Errorf("start dnsmasq: %w", err)
	}

	notifier.Send(ctx, notify.StatusInfo, "starting up bootstrapd")

	go q.Run(ctx, 4)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.API.Address, cfg.API.Port),
		Handler: api.Router(q),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("received shutdown signal, exiting")
	notifier.Send(context.Background(), notify.StatusInfo, "received shutdown signal, exiting bootstrapd")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	dnsmasq.Stop()

	return nil
}

const redfishTaskKind = "redfish_init"

type redfishTask struct {
	NodeID int64               `json:"node_id"`
	Entry  types.BootstrapEntry `json:"entry"`
}

func redfishHandler(st store.Store, notifier *notify.Notifier, renderer *artifact.Renderer, repoMirror string) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var t redfishTask
		if err := json.Unmarshal(task.Payload, &t); err != nil {
			return fmt.Errorf("decode redfish init task: %w", err)
		}
		node, err := st.GetNodeByID(ctx, t.NodeID)
		if err != nil {
			return err
		}
		return redfish.RedfishInit(ctx, st, notifier, renderer, repoMirror, node, t.Entry)
	}
}
