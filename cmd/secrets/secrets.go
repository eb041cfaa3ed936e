// Package secrets implements the encrypted secret-bundle commands:
// push, pull, list, history, and delete.
package secrets

import (
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gwicho38/lsh/cmd/common"
	"github.com/gwicho38/lsh/internal/config"
	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/sync"
)

// Command returns the secrets command group.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Sync encrypted secret bundles",
		Long: `Push and pull encrypted secret bundles through a content-addressed
store. Bundles are encrypted locally; only ciphertext leaves the
machine.`,
	}
	cmd.AddCommand(
		newPushCmd(),
		newPullCmd(),
		newListCmd(),
		newHistoryCmd(),
		newDeleteCmd(),
	)
	return cmd
}

// newEngine builds the sync engine from the loaded configuration.
func newEngine(cfg *config.Config) *sync.Engine {
	return sync.New(sync.Config{
		CacheDir:       cfg.SecretsCacheDir(),
		MetadataPath:   cfg.MetadataPath(),
		HistoryPath:    cfg.SyncHistoryPath(),
		IPFSAPIURL:     cfg.Sync.IPFSAPIURL,
		Gateways:       cfg.Sync.Gateways,
		RequestTimeout: cfg.Sync.RequestTimeout,
	}, nil)
}

// resolveKey picks the bundle key: the --key flag wins, then
// LSH_MASTER_KEY, then LSH_SECRETS_KEY.
func resolveKey(flagKey string, cfg *config.Config) (string, error) {
	if flagKey != "" {
		return flagKey, nil
	}
	if key := cfg.Secrets.Key(); key != "" {
		return key, nil
	}
	return "", domain.E(domain.KindInvalidInput,
		"no bundle key: pass --key or set LSH_MASTER_KEY")
}

func newPushCmd() *cobra.Command {
	var (
		environment string
		gitRepo     string
		gitBranch   string
		key         string
		fromEnv     string
	)

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Encrypt and push a secret bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			bundleKey, err := resolveKey(key, cfg)
			if err != nil {
				return err
			}

			secretList, err := readEnvFile(fromEnv)
			if err != nil {
				return err
			}

			engine := newEngine(cfg)
			result, err := engine.Push(cmd.Context(), secretList, sync.PushOptions{
				Environment: environment,
				GitRepo:     gitRepo,
				GitBranch:   gitBranch,
				Key:         bundleKey,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Pushed %d keys (%d bytes) as %s\n", result.KeysCount, result.Size, result.CID)
			if !result.Uploaded {
				fmt.Println("Warning: IPFS daemon unreachable; bundle cached locally and usable on this machine.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&environment, "env", "", "environment name, e.g. staging (required)")
	cmd.Flags().StringVar(&gitRepo, "repo", "", "git repository the bundle belongs to")
	cmd.Flags().StringVar(&gitBranch, "branch", "", "git branch recorded in the metadata")
	cmd.Flags().StringVar(&key, "key", "", "bundle key (defaults to LSH_MASTER_KEY)")
	cmd.Flags().StringVar(&fromEnv, "from-env", ".env", "dotenv file to read secrets from")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

// readEnvFile parses a dotenv file into a sorted secret list.
func readEnvFile(path string) ([]domain.Secret, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "cannot open env file %s", path)
	}
	defer f.Close()

	values, err := godotenv.Parse(f)
	if err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "cannot parse env file %s", path)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	secretList := make([]domain.Secret, 0, len(keys))
	for _, k := range keys {
		secretList = append(secretList, domain.Secret{Key: k, Value: values[k]})
	}
	return secretList, nil
}

func newPullCmd() *cobra.Command {
	var (
		environment string
		gitRepo     string
		key         string
		toEnv       string
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull and decrypt a secret bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			bundleKey, err := resolveKey(key, cfg)
			if err != nil {
				return err
			}

			engine := newEngine(cfg)
			secretList, err := engine.Pull(cmd.Context(), sync.PullOptions{
				Environment: environment,
				GitRepo:     gitRepo,
				Key:         bundleKey,
			})
			if err != nil {
				return err
			}

			if toEnv == "" {
				// Print key names only; values never hit the terminal.
				for _, s := range secretList {
					fmt.Println(s.Key)
				}
				return nil
			}
			return writeEnvFile(toEnv, secretList)
		},
	}

	cmd.Flags().StringVar(&environment, "env", "", "environment name (required)")
	cmd.Flags().StringVar(&gitRepo, "repo", "", "git repository the bundle belongs to")
	cmd.Flags().StringVar(&key, "key", "", "bundle key (defaults to LSH_MASTER_KEY)")
	cmd.Flags().StringVar(&toEnv, "to-env", "", "write secrets to this dotenv file instead of listing key names")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func writeEnvFile(path string, secretList []domain.Secret) error {
	values := make(map[string]string, len(secretList))
	for _, s := range secretList {
		values[s.Key] = s.Value
	}
	content, err := godotenv.Marshal(values)
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "cannot serialize env file")
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o600); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "cannot write env file %s", path)
	}
	fmt.Printf("Wrote %d keys to %s\n", len(secretList), path)
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}

			bundles, err := newEngine(cfg).List()
			if err != nil {
				return err
			}
			if len(bundles) == 0 {
				fmt.Println("No bundles.")
				return nil
			}

			t := common.NewTable()
			t.AppendHeader(table.Row{"Repo", "Environment", "Keys", "Pushed", "CID", "Pending"})
			for _, b := range bundles {
				t.AppendRow(table.Row{
					b.GitRepo,
					b.Environment,
					b.KeysCount,
					common.FormatTime(&b.Timestamp),
					b.CID,
					b.PendingNetwork,
				})
			}
			t.Render()
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the sync log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}

			entries, err := newEngine(cfg).History(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No sync history.")
				return nil
			}

			t := common.NewTable()
			t.AppendHeader(table.Row{"When", "Op", "Repo", "Environment", "Size", "CID"})
			for _, e := range entries {
				t.AppendRow(table.Row{
					common.FormatTime(&e.Timestamp),
					string(e.Operation),
					e.GitRepo,
					e.Environment,
					e.Size,
					e.CID,
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show (0 for all)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var (
		environment string
		gitRepo     string
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Forget a bundle's metadata",
		Long: `Remove the local metadata for a bundle. The encrypted payload stays
in the cache and on the network; only the (repo, environment) pointer is
dropped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			if err := newEngine(cfg).Delete(gitRepo, environment); err != nil {
				return err
			}
			fmt.Printf("Deleted bundle metadata for %s\n", domain.MetadataKey(gitRepo, environment))
			return nil
		},
	}

	cmd.Flags().StringVar(&environment, "env", "", "environment name (required)")
	cmd.Flags().StringVar(&gitRepo, "repo", "", "git repository the bundle belongs to")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}
