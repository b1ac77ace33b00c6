// Package main provides the edgegw-cli command-line tool for managing the
// edge gateway's configuration and cache stores.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	edge "github.com/akmlabs5/loanledger-edge"
	"github.com/akmlabs5/loanledger-edge/internal/bgsync"
	"github.com/akmlabs5/loanledger-edge/internal/control"
	"github.com/akmlabs5/loanledger-edge/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "edgegw-cli",
		Short:        "Edge gateway command line tool",
		SilenceUsage: true,
	}
	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("EDGE_CONFIG"), "config file (JSON/YAML)")

	root.AddCommand(
		newValidateCmd(),
		newVersionCmd(),
		newStoresCmd(&cfgPath),
		newPrecacheCmd(&cfgPath),
		newSyncTagsCmd(),
	)
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := edge.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := edge.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Config is valid")
			fmt.Fprintf(out, "  Version:   %s\n", cfg.Version)
			fmt.Fprintf(out, "  Origin:    %s\n", cfg.Origin)
			fmt.Fprintf(out, "  Storage:   %s\n", cfg.Storage.Driver)
			fmt.Fprintf(out, "  Bounds:    api=%d dynamic=%d\n", cfg.Stores.APIMaxEntries, cfg.Stores.DynamicMaxEntries)
			fmt.Fprintf(out, "  Precache:  %s\n", strings.Join(cfg.Precache, ", "))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edgegw-cli %s\n", version.String())
		},
	}
}

func newSyncTagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-tags",
		Short: "List registered background-sync tags",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			tags := bgsync.RegisteredTags()
			if len(tags) == 0 {
				fmt.Fprintln(out, "No background-sync tasks registered.")
				return
			}
			fmt.Fprintln(out, "Registered background-sync tasks:")
			for _, tag := range tags {
				fmt.Fprintf(out, "  %s\n", tag)
			}
		},
	}
}

func newStoresCmd(cfgPath *string) *cobra.Command {
	stores := &cobra.Command{
		Use:   "stores",
		Short: "Inspect or clear cache stores",
	}
	stores.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cache stores and their sizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withGateway(*cfgPath, func(ctx context.Context, gw *edge.Gateway) error {
				list, err := gw.Stores(ctx)
				if err != nil {
					return err
				}
				printStores(cmd.OutOrStdout(), gw.Config().Version, list)
				return nil
			})
		},
	})
	stores.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cache store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withGateway(*cfgPath, func(ctx context.Context, gw *edge.Gateway) error {
				n, err := gw.ClearCache(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d store(s).\n", n)
				return nil
			})
		},
	})
	return stores
}

func newPrecacheCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "precache",
		Short: "Install the configured version into storage",
		Long: "Fetch the precache list from the origin into the configured version's static\n" +
			"store and sweep stores of other versions. Run against shared storage before a deploy.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withGateway(*cfgPath, func(ctx context.Context, gw *edge.Gateway) error {
				cfg := gw.Config()
				if err := gw.Install(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Installed %s: %d asset(s) from %s\n", cfg.Version, len(cfg.Precache), cfg.Origin)
				return nil
			})
		},
	}
}

func printStores(out io.Writer, configured string, list []control.StoreInfo) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No cache stores.")
		return
	}
	fmt.Fprintf(out, "%-32s %8s\n", "STORE", "ENTRIES")
	for _, s := range list {
		marker := ""
		if strings.HasPrefix(s.Name, configured+"-") {
			marker = " *"
		}
		fmt.Fprintf(out, "%-32s %8d%s\n", s.Name, s.Entries, marker)
	}
}

// withGateway opens the configured storage and runs fn against a gateway
// that is not serving traffic.
func withGateway(cfgPath string, fn func(ctx context.Context, gw *edge.Gateway) error) error {
	cfg := edge.DefaultConfig()
	if cfgPath != "" {
		loaded, err := edge.LoadConfig(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = *loaded
	}
	edge.ApplyEnv(&cfg)

	storage, err := edge.OpenStorage(cfg)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() { _ = storage.Close() }()

	gw, err := edge.New(cfg, storage)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return fn(ctx, gw)
}
