package cli

import (
	"fmt"
	"os"

	"github.com/harun/memgate/internal/config"
	"github.com/spf13/cobra"
)

var configureOpts struct {
	driver       string
	architecture string
	url          string
	username     string
	password     string
	embedder     string
	embedderURL  string
	judge        string
	judgeModel   string
	judgeKey     string
	force        bool
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the configuration file",
	Long: `Write the memgate configuration file, starting from the existing file or
the defaults and applying the given flags. An existing file is only
replaced with --force.`,
	RunE: runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.driver, "driver", "", "store driver (memory, sqlite, neo4j)")
	f.StringVar(&configureOpts.architecture, "architecture", "", "store architecture (single-node, multi-shard)")
	f.StringVar(&configureOpts.url, "url", "", "neo4j HTTP URL")
	f.StringVar(&configureOpts.username, "username", "", "neo4j username")
	f.StringVar(&configureOpts.password, "password", "", "neo4j password")
	f.StringVar(&configureOpts.embedder, "embedder", "", "embedding provider (none, hash, http, openai)")
	f.StringVar(&configureOpts.embedderURL, "embedder-url", "", "embedding service URL for the http provider")
	f.StringVar(&configureOpts.judge, "judge", "", "judge provider (none, anthropic, openai)")
	f.StringVar(&configureOpts.judgeModel, "judge-model", "", "judge model")
	f.StringVar(&configureOpts.judgeKey, "judge-key", "", "judge API key")
	f.BoolVar(&configureOpts.force, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	_, statErr := os.Stat(configPath)
	exists := statErr == nil
	if exists && !configureOpts.force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyConfigureFlags(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Save configuration
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(out, "You can now start memgate with: memgate serve")

	return nil
}

func applyConfigureFlags(cfg *config.Config) {
	o := configureOpts
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Store.Driver, o.driver)
	set(&cfg.Store.Architecture, o.architecture)
	set(&cfg.Store.URL, o.url)
	set(&cfg.Store.Username, o.username)
	set(&cfg.Store.Password, o.password)
	set(&cfg.Embedder.Provider, o.embedder)
	set(&cfg.Embedder.URL, o.embedderURL)
	set(&cfg.Judge.Provider, o.judge)
	set(&cfg.Judge.Model, o.judgeModel)
	set(&cfg.Judge.APIKey, o.judgeKey)
}
