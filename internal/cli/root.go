// Package cli implements the e3mail command line.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nhle/e3mail/internal/app"
	"github.com/nhle/e3mail/internal/credential"
	"github.com/nhle/e3mail/internal/model"
	"github.com/nhle/e3mail/internal/store"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the e3mail command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "e3mail",
		Short:         "Manage end-to-end encryption-on-receipt mailboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", model.DefaultConfigPath(), "configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides the configuration)")

	cmd.AddCommand(
		loginCmd(opts),
		undoCmd(opts),
		exportCmd(opts),
		scanCmd(opts),
		pollCmd(opts),
		keysCmd(opts),
	)
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), renderError(err))
		return 1
	}
	return 0
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// open loads the configuration and wires the application. Accounts
// without an IMAP credential are skipped.
func (o *rootOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := model.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger := newLogger(cmd.ErrOrStderr(), level)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	creds := credential.NewKeyring(filepath.Dir(o.configPath))
	a := app.New(cfg, o.configPath, s, creds, logger)
	n := a.RegisterAccounts()
	logger.Debug().Int("accounts", n).Msg("registered accounts")
	return a, nil
}

// readSecret returns value, or a line read from in when value is "-".
func readSecret(in io.Reader, value string) (string, error) {
	if value != "-" {
		return value, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
