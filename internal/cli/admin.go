package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"ctfbot/internal/config"
	pgcatalog "ctfbot/internal/infra/postgres"
	redisstore "ctfbot/internal/infra/redis"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewAdminCmd groups the catalog authoring commands.
func NewAdminCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage contests and challenges",
	}
	cmd.AddCommand(
		newListContestsCmd(configPath),
		newCreateContestCmd(configPath),
		newListChallengesCmd(configPath),
		newCreateChallengeCmd(configPath),
		newLinkCmd(configPath),
		newUnlinkCmd(configPath),
		newListInstancesCmd(configPath),
	)
	return cmd
}

func newListContestsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-contests",
		Short: "List available contests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), *configPath, func(ctx context.Context, admin *pgcatalog.CatalogAdmin, cfg config.Config) error {
				contests, err := admin.ListContests(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), contests)
			})
		},
	}
}

func newCreateContestCmd(configPath *string) *cobra.Command {
	var name, rules string
	cmd := &cobra.Command{
		Use:   "create-contest",
		Short: "Create a new contest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), *configPath, func(ctx context.Context, admin *pgcatalog.CatalogAdmin, cfg config.Config) error {
				contest, err := admin.CreateContest(ctx, name, rules)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), contest)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique contest name")
	cmd.Flags().StringVar(&rules, "rules", "", "rules shown when the contest starts")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}

func newListChallengesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-challenges",
		Short: "List available challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), *configPath, func(ctx context.Context, admin *pgcatalog.CatalogAdmin, cfg config.Config) error {
				challenges, err := admin.ListChallenges(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), challenges)
			})
		},
	}
}

func newCreateChallengeCmd(configPath *string) *cobra.Command {
	var name, description, flag string
	cmd := &cobra.Command{
		Use:   "create-challenge",
		Short: "Create a new challenge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), *configPath, func(ctx context.Context, admin *pgcatalog.CatalogAdmin, cfg config.Config) error {
				challenge, err := admin.CreateChallenge(ctx, name, description, flag)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), challenge)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "challenge name")
	cmd.Flags().StringVar(&description, "desc", "", "challenge description")
	cmd.Flags().StringVar(&flag, "flag", "", "secret flag that solves the challenge")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("flag")
	return cmd
}

func newLinkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "link <contest> <challenge-id>",
		Short: "Append a challenge to a contest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), *configPath, func(ctx context.Context, admin *pgcatalog.CatalogAdmin, cfg config.Config) error {
				if err := admin.Link(ctx, args[0], args[1]); err != nil {
					return err
				}
				if err := forgetContest(ctx, cfg, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "linked %s to %q\n", args[1], args[0])
				return nil
			})
		},
	}
}

func newUnlinkCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <contest> <challenge-id>",
		Short: "Remove a challenge from a contest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), *configPath, func(ctx context.Context, admin *pgcatalog.CatalogAdmin, cfg config.Config) error {
				if err := admin.Unlink(ctx, args[0], args[1]); err != nil {
					return err
				}
				if err := forgetContest(ctx, cfg, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlinked %s from %q\n", args[1], args[0])
				return nil
			})
		},
	}
}

func newListInstancesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-instances",
		Short: "List contest instances with their scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis addr not configured")
			}
			client := newRedisClient(cfg)
			defer client.Close()

			instances, err := redisstore.NewInstanceStore(client).List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), instances)
		},
	}
}

func withAdmin(ctx context.Context, configPath string, fn func(ctx context.Context, admin *pgcatalog.CatalogAdmin, cfg config.Config) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := openBun(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, pgcatalog.NewCatalogAdmin(db), cfg)
}

// forgetContest drops the cached contest so running gateways see the new
// challenge order on the next /start.
func forgetContest(ctx context.Context, cfg config.Config, name string) error {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client := newRedisClient(cfg)
	defer client.Close()
	return redisstore.NewCatalog(client, nil, 0).Forget(ctx, []string{name}, nil)
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}
