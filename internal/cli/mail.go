package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/e3mail/internal/credential"
	"github.com/nhle/e3mail/internal/model"
	appsync "github.com/nhle/e3mail/internal/sync"
)

func loginCmd(opts *rootOptions) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login <account>",
		Short: "Store the IMAP password of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			acc, err := cfg.Account(args[0])
			if err != nil {
				return err
			}
			secret, err := readSecret(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			if secret == "" {
				return fmt.Errorf("password required")
			}

			creds := credential.NewKeyring(filepath.Dir(opts.configPath))
			if err := creds.Set(credential.IMAPKey(acc.ID), secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderOK(fmt.Sprintf("stored IMAP password for %s", acc.Login())))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "-", `IMAP password ("-" reads it from stdin)`)
	return cmd
}

func undoCmd(opts *rootOptions) *cobra.Command {
	var folder string

	cmd := &cobra.Command{
		Use:   "undo <account>",
		Short: "Decrypt every encrypted message of a folder in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep, err := a.Undo(ctx, args[0], folder)
			if rep != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderUndo(rep))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "folder to decrypt (defaults to the inbox)")
	return cmd
}

func exportCmd(opts *rootOptions) *cobra.Command {
	var folder string

	cmd := &cobra.Command{
		Use:   "export <account> <file>",
		Short: "Write the cached messages of a folder to an mbox file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer func() {
				if cerr := f.Close(); err == nil {
					err = cerr
				}
			}()

			n, err := a.Export(cmd.Context(), args[0], folder, f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderOK(fmt.Sprintf("exported %d messages to %s", n, args[1])))
			return nil
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "folder to export (defaults to the inbox)")
	return cmd
}

func scanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <account>",
		Short: "Apply trusted key emails from the inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Scan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderScan(rep))
			return nil
		},
	}
}

func pollCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Scan every account for key emails until interrupted",
		Long:  "Scan every account for key emails until interrupted. SIGHUP triggers an immediate scan.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return poll(ctx, cmd, a.Poller())
		},
	}
}

func poll(ctx context.Context, cmd *cobra.Command, p *appsync.Poller) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	p.Start(ctx)
	defer p.Stop()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			p.RefreshAll()
		case res := <-p.Results():
			fmt.Fprintln(out, renderResult(res))
		}
	}
}
