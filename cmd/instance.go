package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/namastexlabs/automagik-omni/internal/config"
	"github.com/namastexlabs/automagik-omni/internal/store"
)

// instanceCmd is the tenant-management CLI, talking directly to the Config
// Store the same way migrateCmd does — no running gateway process required.
func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage tenant instances",
	}
	cmd.AddCommand(instanceCreateCmd())
	cmd.AddCommand(instanceListCmd())
	cmd.AddCommand(instanceShowCmd())
	cmd.AddCommand(instanceDeleteCmd())
	cmd.AddCommand(instanceConnectCmd())
	cmd.AddCommand(instanceDisconnectCmd())
	cmd.AddCommand(instanceRestartCmd())
	return cmd
}

func loadInstanceStore(ctx context.Context) (store.InstanceStore, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, stores, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return stores.Instances, func() { db.Close() }, nil
}

func instanceCreateCmd() *cobra.Command {
	var channelType, agentAPIURL, agentAPIKey, agentID string
	var credsJSON string
	var isDefault, isActive bool

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new tenant instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds := map[string]string{}
			if credsJSON != "" {
				if err := json.Unmarshal([]byte(credsJSON), &creds); err != nil {
					return fmt.Errorf("invalid --credentials JSON: %w", err)
				}
			}
			cfg := store.InstanceConfig{
				Name:            args[0],
				ChannelType:     channelType,
				Credentials:     creds,
				AgentAPIURL:     agentAPIURL,
				AgentAPIKey:     agentAPIKey,
				AgentID:         agentID,
				AgentTimeoutMs:  30000,
				IsDefault:       isDefault,
				IsActive:        isActive,
				EnableAutoSplit: true,
			}

			ctx := context.Background()
			instances, closeFn, err := loadInstanceStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := instances.Create(ctx, cfg); err != nil {
				return fmt.Errorf("create instance: %w", err)
			}
			fmt.Printf("instance %q created\n", cfg.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&channelType, "channel", "", "channel_type: whatsapp or discord (required)")
	cmd.Flags().StringVar(&credsJSON, "credentials", "", "credentials as a JSON object")
	cmd.Flags().StringVar(&agentAPIURL, "agent-url", "", "agent backend base URL")
	cmd.Flags().StringVar(&agentAPIKey, "agent-key", "", "agent backend API key")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent identifier")
	cmd.Flags().BoolVar(&isDefault, "default", false, "mark as the default instance")
	cmd.Flags().BoolVar(&isActive, "active", true, "connect automatically at startup")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func instanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenant instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			instances, closeFn, err := loadInstanceStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			cfgs, err := instances.List(ctx)
			if err != nil {
				return fmt.Errorf("list instances: %w", err)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCHANNEL\tDEFAULT\tACTIVE\tCREATED")
			for _, c := range cfgs {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%v\t%s\n", c.Name, c.ChannelType, c.IsDefault, c.IsActive, c.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func instanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a tenant instance's config (credentials redacted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			instances, closeFn, err := loadInstanceStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			cfg, err := instances.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get instance: %w", err)
			}
			for k := range cfg.Credentials {
				cfg.Credentials[k] = "********"
			}
			raw, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(raw))
			return nil
		},
	}
}

func instanceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a tenant instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			instances, closeFn, err := loadInstanceStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := instances.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("delete instance: %w", err)
			}
			fmt.Printf("instance %q deleted\n", args[0])
			return nil
		},
	}
}

// instanceConnectCmd, instanceDisconnectCmd, and instanceRestartCmd flip
// is_active — the Instance Registry of a running gateway process picks
// this up and applies it the next time it loads the instance. These CLI
// verbs don't reach into a live registry directly; they are operator
// controls over the persisted desired state, mirroring how migrateCmd
// operates on the store without a running server.
func instanceConnectCmd() *cobra.Command {
	return setActiveCmd("connect", true, "Mark an instance active (connects on next load/restart)")
}

func instanceDisconnectCmd() *cobra.Command {
	return setActiveCmd("disconnect", false, "Mark an instance inactive (disconnects on next load/restart)")
}

func instanceRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Touch an instance's updated_at (a running gateway is not restarted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			instances, closeFn, err := loadInstanceStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			cfg, err := instances.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get instance: %w", err)
			}
			if err := instances.Update(ctx, cfg); err != nil {
				return fmt.Errorf("update instance: %w", err)
			}
			fmt.Printf("instance %q updated_at touched; use the admin API's /restart endpoint against a running gateway to restart it live\n", args[0])
			return nil
		},
	}
}

func setActiveCmd(use string, active bool, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			instances, closeFn, err := loadInstanceStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			cfg, err := instances.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get instance: %w", err)
			}
			cfg.IsActive = active
			if err := instances.Update(ctx, cfg); err != nil {
				return fmt.Errorf("update instance: %w", err)
			}
			fmt.Printf("instance %q is_active=%v\n", args[0], active)
			return nil
		},
	}
}
