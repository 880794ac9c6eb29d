package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/attachment"
	"git.srvlab.io/whiskey/volume-attacher/pkg/cloud"
	"git.srvlab.io/whiskey/volume-attacher/pkg/config"
	"git.srvlab.io/whiskey/volume-attacher/pkg/cronmount"
	"git.srvlab.io/whiskey/volume-attacher/pkg/mount"
	"git.srvlab.io/whiskey/volume-attacher/pkg/observability"
	"git.srvlab.io/whiskey/volume-attacher/pkg/reconciler"
	"git.srvlab.io/whiskey/volume-attacher/pkg/services"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// Set via -ldflags at build time
var (
	version   = "dev"
	gitCommit = "unknown"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	cfg, err := config.Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		klog.Errorf("Invalid configuration: %v", err)
		klog.Flush()
		os.Exit(exitUsage)
	}
	klog.Infof("volume-attacher %s (%s) volume=%s host root=%s", version, gitCommit, cfg.VolumeID, cfg.HostRoot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := newRunner(cfg)
	if err != nil {
		klog.Errorf("Failed to initialize: %v", err)
		klog.Flush()
		os.Exit(exitUsage)
	}

	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			klog.Warning("Interrupted")
		}
		klog.Flush()
		os.Exit(exitFailure)
	}
}

// newRunner wires the production collaborators. The cloud client is only built once
// the instance identity (and so the region) is known.
func newRunner(cfg *config.Config) (*reconciler.Runner, error) {
	metrics := observability.NewMetrics()
	paths := cfg.Paths()

	dir, err := services.NewClient(cfg.ServiceURL, cfg.ServiceAuth)
	if err != nil {
		return nil, err
	}

	newReconciler := func(ctx context.Context, identity cloud.Identity) (*reconciler.Reconciler, error) {
		client, err := cloud.NewEC2Client(ctx, cfg.EC2Config(identity.Region))
		if err != nil {
			return nil, err
		}
		return reconciler.NewReconciler(reconciler.ReconcilerConfig{
			Attacher:    attachment.NewController(client, cfg.AttachmentConfig(), metrics),
			Tagger:      client,
			Filesystems: mount.NewProvisioner(mount.NewMounter(), cfg.ProvisionerConfig(), metrics),
			HostMounter: cronmount.NewBridge(paths, cfg.BridgeConfig(), metrics),
			MountTable:  mount.NewMountTable(cfg.MountInfoPath),
			Paths:       paths,
			DevicePoll:  cfg.DevicePoll(),
			Metrics:     metrics,
		})
	}

	runner, err := reconciler.NewRunner(reconciler.RunnerConfig{
		VolumeID:        cfg.VolumeID,
		VolumeName:      cfg.VolumeName,
		Paths:           paths,
		Metadata:        cloud.NewIMDSProvider(cfg.IMDSEndpoint),
		Gate:            services.NewGate(dir, cfg.Services, metrics),
		NewReconciler:   newReconciler,
		SettleDelay:     cfg.SettleDelay,
		MetricsTextfile: cfg.MetricsTextfile,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, errors.Join(utils.ErrInvalidConfig, err)
	}
	return runner, nil
}
