package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/e3mail/internal/e3"
)

func keysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the device keys shared through key emails",
	}
	cmd.AddCommand(
		keysListCmd(opts),
		keysInitCmd(opts),
		keysUploadCmd(opts),
		keysVerifyCmd(opts),
		keysDeleteCmd(opts),
	)
	return cmd
}

func keysListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List this device's keys and the known keys of other devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintln(cmd.OutOrStdout(), renderKeys(a.Config.Accounts, a.KnownKeys(cmd.Context())))
			return nil
		},
	}
}

func keysInitCmd(opts *rootOptions) *cobra.Command {
	var name, passphrase string

	cmd := &cobra.Command{
		Use:   "init <account>",
		Short: "Create this device's key for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			secret, err := readSecret(cmd.InOrStdin(), passphrase)
			if err != nil {
				return err
			}
			id, err := a.InitDevice(cmd.Context(), args[0], name, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderOK(fmt.Sprintf("created device key %s", id)))
			fmt.Fprintln(cmd.OutOrStdout(), renderHint("run \"e3mail keys upload "+args[0]+"\" to announce it to your other devices"))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "e3mail", "device name shown to other devices")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", `key passphrase ("-" reads it from stdin, empty stores the key unlocked)`)
	return cmd
}

func keysUploadCmd(opts *rootOptions) *cobra.Command {
	var responseTo []string

	cmd := &cobra.Command{
		Use:   "upload <account>",
		Short: "Publish this device's key to the account's other devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			built, err := a.UploadKey(cmd.Context(), args[0], responseTo)
			if built != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderUpload(built))
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&responseTo, "response-to", nil, "uid of the key email this upload answers")
	return cmd
}

func keysVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account> <phrase>",
		Short: "Trust the key upload showing the given verification phrase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.Verify(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderVerification(v))
			return nil
		},
	}
}

func keysDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <account> <keyid>...",
		Short: "Revoke the keys of other devices",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]e3.KeyID, 0, len(args)-1)
			for _, arg := range args[1:] {
				id, err := e3.ParseKeyID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.DeleteDevices(cmd.Context(), args[0], ids); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderOK(fmt.Sprintf("revoked %d keys", len(ids))))
			return nil
		},
	}
}
