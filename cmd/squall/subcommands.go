package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/squall-dev/squall/internal/config"
	"github.com/squall-dev/squall/internal/history"
	"github.com/squall-dev/squall/pkg/cloud"
	"github.com/squall-dev/squall/pkg/cloud/aws"
	"github.com/squall-dev/squall/pkg/cloud/azure"
	"github.com/squall-dev/squall/pkg/cloud/baremetal"
	"github.com/squall-dev/squall/pkg/sshtools"
)

// fleetHandle pairs one launcher with the machines it is responsible for.
type fleetHandle struct {
	provider string
	launcher cloud.Launcher
	machines []cloud.NamedSetup
}

// buildFleet loads the config and prepares one launcher per provider.
func buildFleet(cmd *cobra.Command) (config.Config, []fleetHandle, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	secrets, err := config.LoadSecretsEnv("")
	if err != nil {
		return config.Config{}, nil, err
	}
	config.ApplySecrets(secrets)

	handles, err := assembleFleet(cfg)
	return cfg, handles, err
}

// fleetDialer builds the SSH dialer every launcher shares. Setting
// ssh.known_hosts in the fleet file turns on strict host key checking
// against that file.
func fleetDialer(cfg config.Config) sshtools.Dialer {
	return sshtools.Dialer{KnownHostsPath: cfg.SSH.KnownHosts}
}

// assembleFleet prepares one launcher per provider. Baremetal machines get
// one launcher each; a baremetal launcher handles a single machine.
func assembleFleet(cfg config.Config) ([]fleetHandle, error) {
	fleet, err := cfg.Fleet(nil)
	if err != nil {
		return nil, err
	}

	dialer := fleetDialer(cfg)
	dial := func(ctx context.Context, log zerolog.Logger, user, addr, keyPath string) (cloud.Session, error) {
		return dialer.Connect(ctx, log, user, addr, keyPath)
	}

	var handles []fleetHandle
	if machines := fleet["aws"]; len(machines) > 0 {
		l := &aws.Launcher{Dial: dial}
		if hours := cfg.AWS.MaxInstanceDurationHours; hours > 0 {
			l.MaxInstanceDuration = time.Duration(hours) * time.Hour
		}
		handles = append(handles, fleetHandle{provider: "aws", launcher: l, machines: machines})
	}
	if machines := fleet["azure"]; len(machines) > 0 {
		handles = append(handles, fleetHandle{provider: "azure", launcher: &azure.Launcher{Dial: dial}, machines: machines})
	}
	for _, m := range fleet["baremetal"] {
		handles = append(handles, fleetHandle{
			provider: "baremetal",
			launcher: &baremetal.Machine{Dial: dial},
			machines: []cloud.NamedSetup{m},
		})
	}
	return handles, nil
}

func historyPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "state")
	}
	dir := filepath.Join(base, "squall")
	_ = os.MkdirAll(dir, 0700)
	return filepath.Join(dir, "history.db")
}

// Spawn a fleet, run an optional command everywhere, tear everything down
func newSpawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn the fleet from the config file, run a command, tear it down",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCmd, _ := cmd.Flags().GetString("cmd")
			keep, _ := cmd.Flags().GetBool("keep")

			cfg, handles, err := buildFleet(cmd)
			if err != nil {
				return err
			}
			logger := log.Logger
			started := time.Now()

			if !keep {
				defer func() {
					for _, h := range handles {
						_ = h.launcher.Cleanup(context.WithoutCancel(cmd.Context()))
					}
				}()
			}

			var spawnErr error
			for _, h := range handles {
				if err := cloud.Spawn(cmd.Context(), h.launcher, h.machines, time.Duration(cfg.MaxWait), logger); err != nil {
					spawnErr = err
					break
				}
			}

			var machines map[string]cloud.Machine
			if spawnErr == nil {
				var maps []map[string]cloud.Machine
				for _, h := range handles {
					m, err := h.launcher.ConnectAll(cmd.Context())
					if err != nil {
						spawnErr = err
						break
					}
					maps = append(maps, m)
				}
				if spawnErr == nil {
					machines, spawnErr = cloud.MergeConnections(maps...)
				}
			}

			if spawnErr == nil && runCmd != "" {
				for nickname, m := range machines {
					stdout, stderr, err := m.Session.Run(cmd.Context(), runCmd)
					if err != nil {
						logger.Error().Err(err).Str("machine", nickname).Msg("command failed")
						spawnErr = err
						continue
					}
					fmt.Printf("=== %s (%s)\n%s", nickname, m.PublicIP, stdout)
					if stderr != "" {
						fmt.Fprint(os.Stderr, stderr)
					}
				}
			}

			recordHistory(cmd.Context(), handles, machines, started, spawnErr)
			for _, m := range machines {
				_ = m.Session.Close()
			}
			if spawnErr != nil {
				return spawnErr
			}
			fmt.Printf("spawned %d machines\n", len(machines))
			return nil
		},
	}
	cmd.Flags().String("cmd", "", "command to run on every machine once up")
	cmd.Flags().Bool("keep", false, "skip teardown and leave the fleet running")
	return cmd
}

func recordHistory(ctx context.Context, handles []fleetHandle, machines map[string]cloud.Machine, started time.Time, spawnErr error) {
	store, err := history.Open(historyPath())
	if err != nil {
		log.Warn().Err(err).Msg("cannot open history store")
		return
	}
	defer store.Close()

	outcome := "ok"
	if spawnErr != nil {
		outcome = "failed"
	}
	run := history.Run{StartedAt: started, FinishedAt: time.Now(), Outcome: outcome}
	for _, h := range handles {
		for _, nm := range h.machines {
			rec := history.MachineRecord{
				Nickname: nm.Nickname,
				Provider: h.provider,
				Region:   nm.Setup.RegionKey(),
			}
			if m, ok := machines[nm.Nickname]; ok {
				rec.PublicIP = m.PublicIP
				rec.PublicDNS = m.PublicDNS
			}
			run.Machines = append(run.Machines, rec)
		}
	}
	if _, err := store.RecordRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("cannot record run")
	}
}

// Copy a file to a machine over SFTP
func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local> <remote>",
		Short: "Upload a file to a machine over SFTP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			user, _ := cmd.Flags().GetString("user")
			keyPath, _ := cmd.Flags().GetString("key")

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			sess, err := sshtools.Dialer{}.Connect(ctx, log.Logger, user, addr, keyPath)
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := sess.Push(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("uploaded %s to %s:%s\n", args[0], addr, args[1])
			return nil
		},
	}
	cmd.Flags().String("addr", "", "machine address (host:port)")
	cmd.Flags().String("user", "ubuntu", "ssh user")
	cmd.Flags().String("key", "", "private key path")
	_ = cmd.MarkFlagRequired("addr")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

// List VM sizes available in an Azure region
func newSizesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sizes <region>",
		Short: "List Azure VM sizes available in a region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sizes, err := azure.AvailableSizes(cmd.Context(), nil, args[0])
			if err != nil {
				return err
			}
			for _, s := range sizes {
				fmt.Println(s)
			}
			return nil
		},
	}
}

// Show past runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past fleet runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, err := history.Open(historyPath())
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("run %d  %s  %s  (%d machines)\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.Outcome, len(r.Machines))
				for _, m := range r.Machines {
					fmt.Printf("  %s\t%s\t%s\t%s\n", m.Nickname, m.Provider, m.Region, m.PublicIP)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}
