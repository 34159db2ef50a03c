package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"connectd/internal/config"
	"connectd/internal/connect"
	"connectd/internal/transport"
)

const requestTimeout = 10 * time.Second

func withClient(addr string, fn func(ctx context.Context, c *transport.Client) error) error {
	c, err := transport.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return fn(ctx, c)
}

func newConnectorCmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Manage connectors on a running worker",
	}

	var sets []string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create or update a connector",
		Long: `Create or update a connector from key=value pairs.

Example:
  connectd connector create mirror --set connector-class=replicator --set source-brokers=src:9092`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseSets(sets)
			if err != nil {
				return err
			}
			return withClient(*addr, func(ctx context.Context, c *transport.Client) error {
				return c.PutConnector(ctx, args[0], cfg)
			})
		},
	}
	create.Flags().StringArrayVar(&sets, "set", nil, "config entry as key=value (repeatable)")

	stop := &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop and delete a connector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*addr, func(ctx context.Context, c *transport.Client) error {
				return c.StopConnector(ctx, args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List connectors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(*addr, func(ctx context.Context, c *transport.Client) error {
				conns, err := c.ListConnectors(ctx)
				if err != nil {
					return err
				}
				printConnectors(cmd.OutOrStdout(), conns)
				return nil
			})
		},
	}

	cmd.AddCommand(create, stop, list)
	return cmd
}

func newApplyCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "apply FILE",
		Short: "Create or update every connector of a desired-state file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.LoadDesiredState(args[0])
			if err != nil {
				return err
			}
			return withClient(*addr, func(ctx context.Context, c *transport.Client) error {
				for _, spec := range f.Connectors {
					if err := c.PutConnector(ctx, spec.Name, spec.Config); err != nil {
						return fmt.Errorf("%s: %w", spec.Name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", spec.Name)
				}
				return nil
			})
		},
	}
}

func parseSets(sets []string) (connect.ConnectorConfig, error) {
	m := make(map[string]string, len(sets))
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return connect.KeyValue{}, fmt.Errorf("invalid --set %q, want key=value", s)
		}
		m[k] = v
	}
	if _, ok := m[connect.ConnectorClass]; !ok {
		return connect.KeyValue{}, fmt.Errorf("--set %s=... is required", connect.ConnectorClass)
	}
	return connect.NewKeyValue(m), nil
}

func printConnectors(w io.Writer, conns map[string]connect.ConnectorConfig) {
	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, conns[name].Get(connect.ConnectorClass))
	}
}
