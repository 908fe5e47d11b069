// Command btrdedup scans and deduplicates regular files on btrfs
// subvolumes using in-kernel extent cloning. This file wires kong for
// argument parsing and fx for process construction.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/elee1766/btrdedup/pkg/catalog"
	"github.com/elee1766/btrdedup/pkg/config"
	"github.com/elee1766/btrdedup/pkg/dedup"
	"github.com/elee1766/btrdedup/pkg/fsprimitives"
	"github.com/elee1766/btrdedup/pkg/mount"
)

// CLI is the root command structure: scan-vol, dedup-vol,
// show-vols, forget-vol.
type CLI struct {
	LogLevel string `short:"l" default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)"`

	ScanVol   ScanVolCmd   `cmd:"" name:"scan-vol" help:"Incrementally scan a subvolume for dedup candidates"`
	DedupVol  DedupVolCmd  `cmd:"" name:"dedup-vol" help:"Scan and deduplicate one or more subvolumes sharing a filesystem"`
	ShowVols  ShowVolsCmd  `cmd:"" name:"show-vols" help:"List tracked filesystems and volumes"`
	ForgetVol ForgetVolCmd `cmd:"" name:"forget-vol" help:"Reset a volume's tracked state so the next scan starts fresh"`
}

// ScanVolCmd is the `scan-vol` subcommand.
type ScanVolCmd struct {
	Path       string `arg:"" help:"Path to a btrfs subvolume"`
	SizeCutoff int64  `help:"Minimum file size to track if the volume is seen for the first time, in bytes (default 8 MiB, or $BTRDEDUP_SIZE_CUTOFF)"`
}

func (c *ScanVolCmd) Run(cli *CLI) error {
	if err := requireSubvolume(c.Path); err != nil {
		return err
	}

	var summaries []dedup.ScanSummary
	err := runWithApp(cli.LogLevel, func(orch *dedup.Orchestrator) error {
		res, err := orch.RunScan([]dedup.VolumeTarget{{MountPath: c.Path, DefaultSizeCutoff: sizeCutoffOrDefault(c.SizeCutoff)}})
		summaries = res
		return err
	})
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Scan Results")
	t.AppendHeader(table.Row{"Path", "Seen", "Tracked", "Removed", "Generation"})
	for _, s := range summaries {
		t.AppendRow(table.Row{c.Path, s.Result.InodesSeen, s.Result.InodesTracked, s.Result.InodesRemoved, s.Result.NewGeneration})
	}
	t.Render()
	return nil
}

// DedupVolCmd is the `dedup-vol` subcommand: one or more subvolume
// paths on the same filesystem, rescanned and then deduplicated.
type DedupVolCmd struct {
	Paths      []string `arg:"" help:"Paths to btrfs subvolumes on the same filesystem"`
	SizeCutoff int64    `help:"Minimum file size to track for any volume seen for the first time, in bytes (default 8 MiB, or $BTRDEDUP_SIZE_CUTOFF)"`
}

func (c *DedupVolCmd) Run(cli *CLI) error {
	for _, p := range c.Paths {
		if err := requireSubvolume(p); err != nil {
			return err
		}
	}

	targets := make([]dedup.VolumeTarget, len(c.Paths))
	for i, p := range c.Paths {
		targets[i] = dedup.VolumeTarget{MountPath: p, DefaultSizeCutoff: sizeCutoffOrDefault(c.SizeCutoff)}
	}

	var summary *dedup.DedupSummary
	err := runWithApp(cli.LogLevel, func(orch *dedup.Orchestrator) error {
		res, err := orch.RunDedup(targets)
		summary = res
		return err
	})
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Dedup Results")
	t.AppendRow(table.Row{"Size classes examined", summary.GroupsExamined})
	t.AppendRow(table.Row{"Files cloned", summary.ClonedCount})
	t.AppendRow(table.Row{"Already shared (no-op)", summary.NoOpCount})
	t.AppendRow(table.Row{"Skipped (retry next run)", summary.SkippedCount})
	t.AppendRow(table.Row{"Stale rows removed", summary.DeletedCount})
	t.Render()
	return nil
}

// ShowVolsCmd is the `show-vols` subcommand.
type ShowVolsCmd struct{}

func (c *ShowVolsCmd) Run(cli *CLI) error {
	cfg := config.New()
	cfg.LogLevel = cli.LogLevel
	logger := makeLogger(cli.LogLevel)

	cat, err := catalog.New(noopLifecycle{}, cfg, logger)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	filesystems, err := cat.ListFilesystems()
	if err != nil {
		return fmt.Errorf("list filesystems: %w", err)
	}

	// deviceByPath lets the table show the backing device's blkid label
	// next to each tracked path.
	deviceByPath := map[string]string{}
	if mounts, err := mount.New().ListBtrfsMounts(); err != nil {
		logger.Warn("failed to read mountinfo, device labels will be omitted", "error", err)
	} else {
		for _, m := range mounts {
			deviceByPath[m.Path] = m.DeviceName
		}
	}

	for _, fs := range filesystems {
		vols, err := cat.ListVolumesByFilesystem(fs.ID)
		if err != nil {
			return fmt.Errorf("list volumes: %w", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.SetTitle(fmt.Sprintf("Filesystem %s", fs.UUID))
		t.AppendHeader(table.Row{"Root ID", "Size Cutoff", "Last Generation", "Paths", "Device"})
		for _, v := range vols {
			paths, _ := cat.ListVolumePaths(v.ID)
			lastCutoff := "-"
			if v.LastTrackedSizeCutoff.Valid {
				lastCutoff = humanize.IBytes(uint64(v.LastTrackedSizeCutoff.Int64))
			}
			t.AppendRow(table.Row{
				v.RootID,
				humanize.IBytes(uint64(v.SizeCutoff)),
				fmt.Sprintf("gen %d (tracked at cutoff %s)", v.LastTrackedGeneration, lastCutoff),
				joinPaths(paths),
				deviceLabelForPaths(paths, deviceByPath),
			})
		}
		t.Render()
		fmt.Println()
	}
	return nil
}

// deviceLabelForPaths finds the first of paths that resolves to a
// currently-mounted device and returns its blkid label (or the device
// name when it has no label), or "-" if none of them are mounted right
// now (a volume can be tracked by path
// history long after its mount has gone away).
func deviceLabelForPaths(paths []string, deviceByPath map[string]string) string {
	for _, p := range paths {
		device, ok := deviceByPath[p]
		if !ok {
			continue
		}
		label, err := mount.DeviceLabel(device)
		if err != nil || label == "" {
			return device
		}
		return label
	}
	return "-"
}

// ForgetVolCmd is the `forget-vol` subcommand.
type ForgetVolCmd struct {
	Path string `arg:"" help:"Path to a previously scanned btrfs subvolume"`
}

func (c *ForgetVolCmd) Run(cli *CLI) error {
	cfg := config.New()
	cfg.LogLevel = cli.LogLevel
	logger := makeLogger(cli.LogLevel)

	cat, err := catalog.New(noopLifecycle{}, cfg, logger)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	f, err := os.Open(c.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.Path, err)
	}
	defer f.Close()

	info, err := fsprimitives.GetFilesystemInfo(f)
	if err != nil {
		return fmt.Errorf("fs info: %w", err)
	}
	rootID, err := fsprimitives.RootID(f)
	if err != nil {
		return fmt.Errorf("root id: %w", err)
	}

	fsRow, err := cat.GetFilesystemByUUID(info.UUID)
	if err != nil {
		return fmt.Errorf("filesystem %s was never tracked", info.UUID)
	}
	vol, err := cat.GetVolume(fsRow.ID, rootID)
	if err != nil {
		return fmt.Errorf("volume at %s was never tracked", c.Path)
	}

	if err := cat.ForgetVolume(vol.ID); err != nil {
		return fmt.Errorf("forget volume: %w", err)
	}

	fmt.Printf("volume %s (root %d) reset; the next scan will re-walk it from generation 0\n", c.Path, rootID)
	return nil
}

// sizeCutoffOrDefault resolves an unset --size-cutoff flag to the
// configured default, which is where $BTRDEDUP_SIZE_CUTOFF lands.
func sizeCutoffOrDefault(flag int64) int64 {
	if flag > 0 {
		return flag
	}
	return config.New().DefaultSizeCutoff
}

func requireSubvolume(path string) error {
	ok, err := mount.IsSubvolume(path)
	if err != nil {
		return fmt.Errorf("checking %s: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%s is not the root of a btrfs subvolume", path)
	}
	return nil
}

func joinPaths(paths []string) string {
	if len(paths) == 0 {
		return "-"
	}
	out := paths[0]
	for _, p := range paths[1:] {
		out += ", " + p
	}
	return out
}

// runWithApp builds the fx graph shared by scan-vol/dedup-vol:
// *config.Config, *catalog.Catalog, *fsprimitives.Primitives, and
// *dedup.Orchestrator, invokes fn against the constructed Orchestrator,
// then tears the graph down.
func runWithApp(logLevel string, fn func(*dedup.Orchestrator) error) error {
	var orch *dedup.Orchestrator

	app := fx.New(
		fx.Provide(
			func() *config.Config {
				cfg := config.New()
				cfg.LogLevel = logLevel
				return cfg
			},
			provideLogger,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
		catalog.Module,
		fsprimitives.Module,
		dedup.Module,
		fx.Populate(&orch),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := app.Stop(stopCtx); err != nil {
			slog.Default().Error("failed to stop fx app", "error", err)
		}
	}()

	return fn(orch)
}

// noopLifecycle satisfies fx.Lifecycle for the one-shot commands that
// build a *catalog.Catalog directly instead of through the fx graph.
type noopLifecycle struct{}

func (noopLifecycle) Append(fx.Hook) {}

func provideLogger(cfg *config.Config) *slog.Logger {
	return makeLogger(cfg.LogLevel)
}

func makeLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("btrdedup"),
		kong.Description("Deduplicate regular files on a btrfs filesystem via in-kernel extent cloning"),
		kong.UsageOnError(),
	)
	err := ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}
