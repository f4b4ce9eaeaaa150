package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"walletsync/internal/wallet"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Reconcile once and print the unified wallet state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, rt *runtime) error {
			st, err := rt.mgr.Reconcile(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [provider]",
	Short: "Open a provider's connect prompt and wait for the connection",
	Long: `Opens the connect prompt of the given provider (session, evm or walletkit),
or of every provider when none is named, then polls until a wallet connects or
the attempt budget runs out. Each status change is printed as one JSON line.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := parseTarget(args)
		if err != nil {
			return err
		}
		return withManager(cmd, func(ctx context.Context, rt *runtime) error {
			updates, err := rt.mgr.RequestConnect(ctx, target)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			done := ctx.Done()
			for {
				select {
				case a, ok := <-updates:
					if !ok {
						return nil
					}
					if err := enc.Encode(a); err != nil {
						rt.mgr.CancelConnect()
						return err
					}
				case <-done:
					// the abandoned attempt still arrives as Idle
					done = nil
					rt.mgr.CancelConnect()
				}
			}
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect [provider]",
	Short: "Sign out of one provider, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := parseTarget(args)
		if err != nil {
			return err
		}
		return withManager(cmd, func(ctx context.Context, rt *runtime) error {
			st, err := rt.mgr.Disconnect(ctx, target)
			if perr := printJSON(cmd.OutOrStdout(), st); perr != nil {
				return perr
			}
			return err
		})
	},
}

func parseTarget(args []string) (wallet.ProviderID, error) {
	if len(args) == 0 {
		return wallet.NoProvider, nil
	}
	return wallet.ParseProviderID(args[0])
}

// withManager runs fn against a started manager and tears it down after.
func withManager(cmd *cobra.Command, fn func(context.Context, *runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.mgr.Start(ctx); err != nil {
		return err
	}
	defer rt.mgr.Stop()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
