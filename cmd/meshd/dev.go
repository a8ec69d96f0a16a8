package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jamesyong-42/truffle/internal/config"
	"github.com/jamesyong-42/truffle/internal/logging"
	"github.com/jamesyong-42/truffle/pkg/mesh"
	"github.com/jamesyong-42/truffle/pkg/overlay"
	"github.com/jamesyong-42/truffle/pkg/wire"
)

func newDevCmd() *cobra.Command {
	var (
		dir       string
		name      string
		prefix    string
		sidecar   string
		stateDir  string
		authKey   string
		typ       string
		primary   bool
		debugLogs bool
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Bring up a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			f := config.Default()
			if config.Exists(dir) {
				loaded, err := config.Load(dir)
				if err != nil {
					return err
				}
				f = loaded
			}
			applyFlagOverrides(flags, &f, name, prefix, sidecar, stateDir, authKey, typ)
			if err := config.Save(dir, f); err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return err
			}

			log := logging.NewDefault(f.Name)
			log.ToggleDebug(debugLogs)

			spawner := overlay.NewExecSpawner(f.SidecarPath)
			node := mesh.New(mesh.Config{
				LocalDeviceID:    f.DeviceID,
				HostnamePrefix:   f.Prefix,
				DeviceType:       f.Type,
				DeviceName:       f.Name,
				UserDesignated:   primary,
				SidecarStateDir:  f.StateDir,
				SidecarAuthKey:   f.AuthKey,
				AnnounceInterval: f.AnnounceInterval,
			}, spawner, wire.NewCodec(), log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := node.Start(ctx); err != nil {
				return fmt.Errorf("meshd: start: %w", err)
			}
			log.Infof("meshd: running as %s", f.DeviceID)

			<-ctx.Done()
			log.Info("meshd: shutting down")
			return node.Stop(context.Background())
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "config directory")
	cmd.Flags().StringVar(&name, "name", "", "device name")
	cmd.Flags().StringVar(&prefix, "prefix", "", "hostname prefix shared by the mesh")
	cmd.Flags().StringVar(&sidecar, "sidecar", "", "path to the overlay sidecar binary")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "directory the sidecar persists its own state in")
	cmd.Flags().StringVar(&authKey, "auth-key", "", "overlay auth key")
	cmd.Flags().StringVar(&typ, "type", "", "device type")
	cmd.Flags().BoolVar(&primary, "user-designated", false, "prefer this device as primary in elections")
	cmd.Flags().BoolVar(&debugLogs, "debug", false, "enable debug logging")
	return cmd
}

// applyFlagOverrides merges explicitly-set flags onto the loaded
// config, leaving fields the user didn't pass untouched.
func applyFlagOverrides(flags *pflag.FlagSet, f *config.File, name, prefix, sidecar, stateDir, authKey, typ string) {
	if flags.Changed("name") {
		f.Name = name
	}
	if flags.Changed("prefix") {
		f.Prefix = prefix
	}
	if flags.Changed("sidecar") {
		f.SidecarPath = sidecar
	}
	if flags.Changed("state-dir") {
		f.StateDir = stateDir
	}
	if flags.Changed("auth-key") {
		f.AuthKey = authKey
	}
	if flags.Changed("type") {
		f.Type = typ
	}
}
