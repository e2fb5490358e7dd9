package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"passgate.org/internal/auth"
	"passgate.org/internal/backend"
	"passgate.org/internal/config"
	"passgate.org/internal/obs"
)

const commandTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runner func(ctx context.Context, svc *auth.Service, out io.Writer) error

func newRootCmd() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:           "passgatectl",
		Short:         "Manage passgate users and clients in the configured store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.AddFlags(root.PersistentFlags())
	cobra.CheckErr(config.BindFlags(v, root.PersistentFlags()))

	withService := func(fn runner) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := obs.NewLogger("warn")
			if err != nil {
				return err
			}
			obs.SetLogger(logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			be, err := backend.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer be.Close()
			svc, err := be.Service(cfg)
			if err != nil {
				return err
			}
			return fn(ctx, svc, cmd.OutOrStdout())
		}
	}

	root.AddCommand(newUserCmd(withService), newClientCmd(withService))
	return root
}

func newUserCmd(withService func(runner) func(*cobra.Command, []string) error) *cobra.Command {
	userCmd := &cobra.Command{Use: "user", Short: "Manage resource owners"}

	var (
		password      string
		passwordStdin bool
		scopes        []string
	)
	add := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
	}
	add.Flags().StringVar(&password, "password", "", "user password")
	add.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	add.Flags().StringSliceVar(&scopes, "scope", nil, "scopes granted to the user (repeatable)")
	add.RunE = func(cmd *cobra.Command, args []string) error {
		if passwordStdin {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		if password == "" {
			return errors.New("a password is required: use --password or --password-stdin")
		}
		return withService(func(ctx context.Context, svc *auth.Service, out io.Writer) error {
			u, err := svc.SaveUser(ctx, args[0], password, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "created user %s (%s)\n", u.Username, u.ID)
			return nil
		})(cmd, args)
	}

	del := &cobra.Command{
		Use:   "delete USERNAME",
		Short: "Delete a user and revoke its tokens",
		Args:  cobra.ExactArgs(1),
	}
	del.RunE = func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *auth.Service, out io.Writer) error {
			if err := svc.DeleteUser(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "deleted user %s\n", args[0])
			return nil
		})(cmd, args)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, svc *auth.Service, out io.Writer) error {
			users, err := svc.ListUsers(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSERNAME\tSCOPES\tCREATED")
			for _, u := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, u.Username, auth.FormatScopes(u.Scopes), u.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	}

	userCmd.AddCommand(add, del, list)
	return userCmd
}

func newClientCmd(withService func(runner) func(*cobra.Command, []string) error) *cobra.Command {
	clientCmd := &cobra.Command{Use: "client", Short: "Manage OAuth clients"}

	var (
		clientType string
		scopes     []string
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Register a client allowed to use the password grant",
		Args:  cobra.NoArgs,
	}
	gen.Flags().StringVar(&clientType, "type", string(auth.ClientConfidential), "client type: public or confidential")
	gen.Flags().StringSliceVar(&scopes, "scope", nil, "default scopes (repeatable)")
	gen.RunE = func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *auth.Service, out io.Writer) error {
			g, err := svc.GenerateClient(ctx, auth.ClientType(strings.ToLower(clientType)), scopes)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "client_id:     %s\n", g.Client.ID)
			fmt.Fprintf(out, "client_type:   %s\n", g.Client.Type)
			if g.Secret != "" {
				fmt.Fprintf(out, "client_secret: %s\n", g.Secret)
				fmt.Fprintln(out, "the secret is shown only once")
			}
			return nil
		})(cmd, args)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		Args:  cobra.NoArgs,
		RunE: withService(func(ctx context.Context, svc *auth.Service, out io.Writer) error {
			clients, err := svc.ListClients(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLIENT_ID\tTYPE\tGRANTS\tDEFAULT_SCOPES")
			for _, c := range clients {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Type, strings.Join(c.GrantTypes, ","), auth.FormatScopes(c.DefaultScopes))
			}
			return tw.Flush()
		}),
	}

	clientCmd.AddCommand(gen, list)
	return clientCmd
}
