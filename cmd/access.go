package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/namastexlabs/automagik-omni/internal/access"
	"github.com/namastexlabs/automagik-omni/internal/config"
	"github.com/namastexlabs/automagik-omni/internal/store"
)

// accessCmd manages AccessRule rows directly against the Config Store,
// mirroring instanceCmd's direct-store convention.
func accessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Manage access control rules",
	}
	cmd.AddCommand(accessAllowCmd())
	cmd.AddCommand(accessBlockCmd())
	cmd.AddCommand(accessListCmd())
	cmd.AddCommand(accessRemoveCmd())
	cmd.AddCommand(accessCheckCmd())
	return cmd
}

func loadAccessStore(ctx context.Context) (store.AccessRuleStore, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, stores, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return stores.Access, func() { db.Close() }, nil
}

func accessAllowCmd() *cobra.Command {
	return ruleCreateCmd("allow", store.RuleAllow, "Add an allow rule")
}

func accessBlockCmd() *cobra.Command {
	return ruleCreateCmd("block", store.RuleBlock, "Add a block rule")
}

func ruleCreateCmd(use string, ruleType store.RuleType, short string) *cobra.Command {
	var instanceName string
	cmd := &cobra.Command{
		Use:   use + " <phone_number_or_wildcard>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rules, closeFn, err := loadAccessStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			rule := store.AccessRule{
				InstanceName: instanceName,
				PhoneNumber:  args[0],
				RuleType:     ruleType,
			}
			created, err := rules.CreateRule(ctx, rule)
			if err != nil {
				return fmt.Errorf("create rule: %w", err)
			}
			fmt.Printf("rule %s created: %s %s (instance=%q)\n", created.ID, created.RuleType, created.PhoneNumber, created.InstanceName)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceName, "instance", "", "scope to one instance (default: global)")
	return cmd
}

func accessListCmd() *cobra.Command {
	var instanceName string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List access rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rules, closeFn, err := loadAccessStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := rules.ListRules(ctx, instanceName)
			if err != nil {
				return fmt.Errorf("list rules: %w", err)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tINSTANCE\tTYPE\tPHONE")
			for _, r := range list {
				instance := r.InstanceName
				if instance == "" {
					instance = "(global)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, instance, r.RuleType, r.PhoneNumber)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&instanceName, "instance", "", "filter to one instance (default: all)")
	return cmd
}

func accessRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <rule_id>",
		Short: "Remove an access rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rules, closeFn, err := loadAccessStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := rules.DeleteRule(ctx, args[0]); err != nil {
				return fmt.Errorf("delete rule: %w", err)
			}
			fmt.Printf("rule %q removed\n", args[0])
			return nil
		},
	}
}

func accessCheckCmd() *cobra.Command {
	var instanceName string
	cmd := &cobra.Command{
		Use:   "check <peer_id>",
		Short: "Evaluate the access decision for a peer, as the Access Control matcher would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rules, closeFn, err := loadAccessStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			candidates, err := rules.ListCandidates(ctx, instanceName)
			if err != nil {
				return fmt.Errorf("list candidates: %w", err)
			}
			decision := access.Evaluate(instanceName, args[0], candidates)
			if decision.Allowed {
				fmt.Println("allowed")
			} else {
				fmt.Println("blocked")
			}
			if decision.MatchedRule != nil {
				fmt.Printf("matched rule %s: %s %s\n", decision.MatchedRule.ID, decision.MatchedRule.RuleType, decision.MatchedRule.PhoneNumber)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceName, "instance", "", "instance to evaluate against")
	return cmd
}
