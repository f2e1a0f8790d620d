// Package cli implements the montana command: a terminal chat client that
// runs the same gated request lifecycle as the server, with gate state kept
// in a local SQLite file.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/montana-relay/internal/completion"
	"github.com/ashureev/montana-relay/internal/gate"
)

const (
	envPrefix       = "MONTANA"
	defaultRelayURL = "http://localhost:8080/api/chat"
)

// settings is the resolved configuration of one invocation.
type settings struct {
	Endpoint     string
	Token        string
	Model        string
	StatePath    string
	PersonaPath  string
	UnlockSecret string
	Timeout      time.Duration
	Stream       bool
	Verbose      bool
	MaxTokens    int
	GateLimit    int
	GateCooldown time.Duration
}

// Direct reports whether requests go straight to the provider rather than
// through a relay.
func (s settings) Direct() bool {
	return s.Token != ""
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "montana",
		Short: "Chat with Montana AI from the terminal",
		Long: `montana sends chat messages through the Montana relay, or directly to the
provider when --token is set. Like the web client, it allows a limited number
of messages before a cooldown; gate state is kept in a local file.

Flags can also be set with MONTANA_* environment variables or in
$HOME/.config/montana/config.toml.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/montana/config.toml)")
	pf.String("endpoint", "", "relay or completion URL (default: the local relay, or the provider when --token is set)")
	pf.String("token", "", "provider API key; requests bypass the relay when set")
	pf.String("model", completion.DefaultModel, "model name")
	pf.String("state", "", "gate state database (default is $HOME/.config/montana/gate.db)")
	pf.String("persona", "", "persona TOML file")
	pf.Duration("timeout", completion.DefaultTimeout, "per-request timeout")
	pf.Bool("stream", true, "print replies as they arrive")
	pf.BoolP("verbose", "v", false, "verbose output")
	for _, name := range []string{"endpoint", "token", "model", "state", "persona", "timeout", "stream", "verbose"} {
		cobra.CheckErr(v.BindPFlag(name, pf.Lookup(name)))
	}

	v.SetDefault("max_tokens", completion.DefaultMaxTokens)
	v.SetDefault("gate_limit", gate.DefaultLimit)
	v.SetDefault("gate_cooldown", gate.DefaultCooldown)
	v.SetDefault("unlock_secret", "")

	root.AddCommand(
		newSendCmd(v),
		newChatCmd(v),
		newStatusCmd(v),
		newUnlockCmd(v),
	)
	return root
}

// initConfig reads in config file and ENV variables if set.
func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		return nil
	}

	dir, err := userConfigDir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "montana"), nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		Endpoint:     v.GetString("endpoint"),
		Token:        v.GetString("token"),
		Model:        v.GetString("model"),
		StatePath:    v.GetString("state"),
		PersonaPath:  v.GetString("persona"),
		UnlockSecret: v.GetString("unlock_secret"),
		Timeout:      v.GetDuration("timeout"),
		Stream:       v.GetBool("stream"),
		Verbose:      v.GetBool("verbose"),
		MaxTokens:    v.GetInt("max_tokens"),
		GateLimit:    v.GetInt("gate_limit"),
		GateCooldown: v.GetDuration("gate_cooldown"),
	}

	if s.StatePath == "" {
		dir, err := userConfigDir()
		if err != nil {
			return settings{}, fmt.Errorf("locating state directory: %w", err)
		}
		s.StatePath = filepath.Join(dir, "gate.db")
	}
	if s.Endpoint == "" && !s.Direct() {
		s.Endpoint = defaultRelayURL
	}
	if s.Timeout <= 0 {
		return settings{}, fmt.Errorf("timeout must be > 0")
	}
	return s, nil
}
