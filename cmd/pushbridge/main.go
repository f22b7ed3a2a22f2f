// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"storj.io/common/cfgstruct"
	"storj.io/common/errs2"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"storj.io/common/process/eventkitbq"

	"github.com/zulipnotifs/pushbridge/bridge"
	"github.com/zulipnotifs/pushbridge/bridge/bridgedb"
	"github.com/zulipnotifs/pushbridge/bridge/vault"
	"github.com/zulipnotifs/pushbridge/bridge/webpush"
)

var mon = monkit.Package()

var (
	rootCmd = &cobra.Command{
		Use:   "pushbridge",
		Short: "Bridge that forwards Zulip events to Web Push subscriptions",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	vapidKeyCmd = &cobra.Command{
		Use:   "vapid-key",
		Short: "Generate a VAPID keypair and a vault master key",
		RunE:  cmdVapidKey,
	}

	runCfg   bridge.Config
	setupCfg bridge.Config

	confDir   string
	writeKeys bool
)

func init() {
	defaultConfDir := fpath.ApplicationDir("pushbridge")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for pushbridge configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(vapidKeyCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	vapidKeyCmd.Flags().BoolVar(&writeKeys, "write", false, "merge the generated keys into config.yaml instead of printing them")
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()
	defer mon.Task()(&ctx)(&err)

	if runCfg.Database == "" {
		log.Error("Database URL is not configured")
		return errs.New("Database URL is not configured. Please set the --database flag or configure it in your config file.")
	}
	if runCfg.Vault.MasterKey == "" {
		log.Error("Vault master key is not configured")
		return errs.New("Vault master key is not configured. Generate one with `pushbridge vapid-key` and set the --vault.master-key flag.")
	}
	if runCfg.Push.PrivateKey == "" {
		log.Error("VAPID private key is not configured")
		return errs.New("VAPID private key is not configured. Generate one with `pushbridge vapid-key` and set the --push.private-key flag.")
	}
	if runCfg.Push.Subject == "" {
		log.Error("VAPID subject is not configured")
		return errs.New("VAPID subject is not configured. Please set the --push.subject flag to a mailto: or https: contact URI.")
	}

	db, err := bridgedb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		log.Error("Failed to open database", zap.Error(err))
		return errs.New("Error starting bridge database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.MigrateToLatest(ctx); err != nil {
		log.Error("Failed bridge database migration", zap.Error(err))
		return errs.New("Error migrating bridge database: %+v", err)
	}

	peer, err := bridge.NewPeer(log, db, &runCfg)
	if err != nil {
		log.Error("Failed to create bridge peer", zap.Error(err))
		return err
	}

	if err := process.InitMetrics(ctx, log, monkit.Default, process.MetricsIDFromHostname(log), eventkitbq.BQDestination); err != nil {
		log.Warn("Failed to initialize telemetry batcher on bridge", zap.Error(err))
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs2.IgnoreCanceled(errs.Combine(runError, closeError))
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return errs.New("pushbridge configuration already exists (%v)", setupDir)
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdVapidKey(cmd *cobra.Command, args []string) (err error) {
	keypair, err := webpush.GenerateKeypair()
	if err != nil {
		return errs.Wrap(err)
	}
	masterKey, err := vault.GenerateMasterKey()
	if err != nil {
		return errs.Wrap(err)
	}

	if writeKeys {
		return writeKeysToConfig(keypair, masterKey)
	}

	fmt.Printf("push.private-key: %s\n", keypair.PrivateKey())
	fmt.Printf("vault.master-key: %s\n", masterKey)
	fmt.Printf("public key (for browser clients): %s\n", keypair.PublicKey())
	return nil
}

// writeKeysToConfig merges the generated keys into the config file, keeping
// whatever else setup wrote there.
func writeKeysToConfig(keypair webpush.Keypair, masterKey string) error {
	configPath := filepath.Join(confDir, "config.yaml")

	values := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return errs.Wrap(err)
	default:
		if err := yaml.Unmarshal(data, &values); err != nil {
			return errs.Wrap(err)
		}
	}

	values["push.private-key"] = keypair.PrivateKey()
	values["vault.master-key"] = masterKey

	merged, err := yaml.Marshal(values)
	if err != nil {
		return errs.Wrap(err)
	}
	if err := os.WriteFile(configPath, merged, 0600); err != nil {
		return errs.Wrap(err)
	}

	fmt.Printf("wrote keys to %s\n", configPath)
	fmt.Printf("public key (for browser clients): %s\n", keypair.PublicKey())
	return nil
}

func main() {
	logger, _, _ := process.NewLogger("pushbridge")
	zap.ReplaceGlobals(logger)

	process.ExecCustomDebug(rootCmd)
}
