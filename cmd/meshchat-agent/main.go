package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/meshchat/meshchat/internal/config"
	"github.com/meshchat/meshchat/internal/crypto"
	"github.com/meshchat/meshchat/internal/session"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to TOML configuration file (default: ~/.config/meshchat/agent.toml if present)")
	id := flag.String("id", "", "Participant identifier to register on the mesh")
	name := flag.String("name", "", "Display name shown to peers")
	port := flag.Int("port", 0, "P2P listen port (0 for random)")
	bootstrap := flag.String("bootstrap", "", "Comma-separated list of bootstrap multiaddrs")
	dnsSeeds := flag.String("dns-seeds", "", "Comma-separated list of DNSADDR DNS names")
	mdns := flag.Bool("mdns", true, "Enable mDNS local peer discovery")
	socketPath := flag.String("socket", "", "Unix socket path for the control plane")
	dataDir := flag.String("data-dir", "", "Directory for the message store")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	initKey := flag.Bool("init-key", false, "Create a node key, print its recovery phrase and exit")
	recoverKey := flag.Bool("recover-key", false, "Rebuild the node key from a recovery phrase on stdin and exit")

	flag.Parse()

	cfg, path, err := buildConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment, but only when set explicitly.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.Identity.ID = *id
		case "name":
			cfg.Identity.DisplayName = *name
		case "port":
			cfg.Network.Port = *port
		case "bootstrap":
			cfg.Discovery.Bootstrap = splitList(*bootstrap)
		case "dns-seeds":
			cfg.Discovery.DNSSeeds = splitList(*dnsSeeds)
		case "mdns":
			cfg.Discovery.MDNSEnabled = *mdns
		case "socket":
			cfg.Control.Socket = config.ExpandPath(*socketPath)
		case "data-dir":
			cfg.Storage.DataDir = config.ExpandPath(*dataDir)
		case "log-level":
			cfg.Log.Level = strings.ToLower(*logLevel)
		}
	})

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if *initKey || *recoverKey {
		if err := keyCommand(cfg, *recoverKey); err != nil {
			logger.Error("key command failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	daemon, err := NewDaemon(ctx, cfg, path, logger)
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	logger.Info("starting meshchat-agent",
		"id", cfg.Identity.ID,
		"port", cfg.Network.Port,
		"socket", cfg.Control.Socket,
		"mdns", cfg.Discovery.MDNSEnabled,
		"bootstrap", cfg.Discovery.Bootstrap,
		"dns_seeds", cfg.Discovery.DNSSeeds,
		"peers", len(cfg.Peers),
	)

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, session.ErrIdentifierInUse) {
			logger.Error("identifier already in use on the mesh", "id", cfg.Identity.ID, "error", err)
		} else {
			logger.Error("daemon error", "error", err)
		}
		os.Exit(1)
	}

	logger.Info("agent stopped gracefully")
}

// buildConfig loads the config file if there is one, then applies the
// environment. It returns the path of the file it loaded, if any.
func buildConfig(path string) (*config.AgentConfig, string, error) {
	if path == "" {
		if p := config.DefaultPaths().ConfigFile; fileExists(p) {
			path = p
		}
	}

	var cfg *config.AgentConfig
	if path != "" {
		path = config.ExpandPath(path)
		loaded, err := config.LoadAgentConfig(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config file: %w", err)
		}
		cfg = loaded
	} else {
		defaults := config.DefaultAgentConfig()
		cfg = &defaults
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// keyCommand creates or recovers the node key at the configured path.
func keyCommand(cfg *config.AgentConfig, fromPhrase bool) error {
	pass := cfg.Storage.Passphrase
	if pass == "" {
		pass = defaultKeyPassphrase
	}
	if fileExists(cfg.Storage.KeyPath) {
		return fmt.Errorf("key file %s already exists", cfg.Storage.KeyPath)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	var (
		key    *crypto.NodeKey
		phrase string
		err    error
	)
	if fromPhrase {
		fmt.Fprintln(os.Stderr, "Enter recovery phrase:")
		line, rerr := bufio.NewReader(os.Stdin).ReadString('\n')
		if rerr != nil && line == "" {
			return fmt.Errorf("read recovery phrase: %w", rerr)
		}
		key, err = crypto.NodeKeyFromMnemonic(line)
	} else {
		key, phrase, err = crypto.NewNodeKeyWithMnemonic()
	}
	if err != nil {
		return err
	}
	if err := crypto.SaveNodeKey(key, cfg.Storage.KeyPath, pass); err != nil {
		return err
	}

	fmt.Printf("Node key: %s\nDID: %s\n", cfg.Storage.KeyPath, key.DID)
	if phrase != "" {
		fmt.Printf("Recovery phrase (write it down):\n  %s\n", phrase)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
