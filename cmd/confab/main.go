package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/confab-net/confab/internal/client"
	"github.com/confab-net/confab/internal/config"
	"github.com/confab-net/confab/internal/discovery"
	"github.com/confab-net/confab/internal/logging"
)

var (
	version    = "0.1.0"
	cfgFile    string
	serverHost string
	userName   string
	password   string

	probeCIDR    string
	discoverWait time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "confab",
	Short: "Confab conference client",
	Long:  `Confab - join LAN conferences: chat, whiteboard and file exchange from the terminal`,
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a conference",
	Run: func(cmd *cobra.Command, args []string) {
		joinConference()
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find conferences on the local network",
	Run: func(cmd *cobra.Command, args []string) {
		discoverConferences()
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Share a file with the conference",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sendFile(args[0])
	},
}

var getCmd = &cobra.Command{
	Use:   "get [file]",
	Short: "Fetch a shared file from the conference",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		getFile(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Confab v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultClientPath()+")")
	rootCmd.PersistentFlags().StringVar(&serverHost, "server", "", "conference server host")
	rootCmd.PersistentFlags().StringVar(&userName, "name", "", "display name")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "session password")

	discoverCmd.Flags().StringVar(&probeCIDR, "probe", "", "sweep a CIDR with TCP connects instead of mDNS")
	discoverCmd.Flags().DurationVar(&discoverWait, "wait", 3*time.Second, "how long to listen for announcements")

	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadClientConfig() *config.ClientConfig {
	cfg, err := config.LoadClient(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if serverHost != "" {
		cfg.Server = serverHost
	}
	if userName != "" {
		cfg.Name = userName
	}
	if password != "" {
		cfg.Password = password
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		}
		os.Exit(1)
	}

	// Logs go to stderr so the conversation on stdout stays readable.
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	result.LogWarnings()

	return cfg
}

func dialConference(cfg *config.ClientConfig) *client.Engine {
	if cfg.Server == "" {
		fmt.Fprintln(os.Stderr, "Server host required. Use --server, set it in the config, or run 'confab discover'.")
		os.Exit(1)
	}

	eng, err := client.Join(context.Background(), cfg)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrAuthFailed):
			fmt.Fprintln(os.Stderr, "Wrong session password.")
		case errors.Is(err, client.ErrNameTaken):
			fmt.Fprintln(os.Stderr, "That name is already taken. Pick another with --name.")
		default:
			fmt.Fprintf(os.Stderr, "Failed to join: %v\n", err)
		}
		os.Exit(1)
	}

	return eng
}

func joinConference() {
	cfg := loadClientConfig()
	eng := dialConference(cfg)

	fmt.Printf("Joined %s as %s\n", cfg.Server, eng.Name())
	fmt.Println("Type to chat. Commands: /users /msg /wave /send /get /board /quit")

	runConsole(eng)
}

func discoverConferences() {
	cfg, err := config.LoadClient(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)

	ctx := context.Background()

	if probeCIDR != "" {
		fmt.Printf("Probing %s on port %d...\n", probeCIDR, cfg.ControlPort)
		results, err := discovery.Probe(ctx, probeCIDR, cfg.ControlPort, 2*time.Second, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
			os.Exit(1)
		}
		if len(results) == 0 {
			fmt.Println("No conferences found.")
			return
		}
		for _, r := range results {
			fmt.Printf("%s  %s\n", net.JoinHostPort(r.IP.String(), fmt.Sprint(cfg.ControlPort)), r.RTT.Round(time.Millisecond))
		}
		return
	}

	fmt.Println("Listening for conferences...")
	instances, err := discovery.Browse(ctx, discoverWait)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery failed: %v\n", err)
		os.Exit(1)
	}
	if len(instances) == 0 {
		fmt.Println("No conferences found. Try 'confab discover --probe <cidr>' if this network filters multicast.")
		return
	}
	for _, inst := range instances {
		host := inst.Host
		if len(inst.IPs) > 0 {
			host = inst.IPs[0].String()
		}
		fmt.Printf("%-20s %s\n", inst.Room, net.JoinHostPort(host, fmt.Sprint(inst.Port)))
	}
}

func sendFile(path string) {
	cfg := loadClientConfig()
	eng := dialConference(cfg)

	if err := eng.Upload(context.Background(), path); err != nil {
		eng.Leave()
		fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Shared %s\n", filepath.Base(path))
	eng.Leave()
}

func getFile(name string) {
	cfg := loadClientConfig()
	eng := dialConference(cfg)

	path, err := eng.Download(context.Background(), name)
	if err != nil {
		eng.Leave()
		if errors.Is(err, client.ErrNoSuchFile) {
			fmt.Fprintf(os.Stderr, "No file named %q on the server.\n", name)
		} else {
			fmt.Fprintf(os.Stderr, "Download failed: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("Saved %s\n", path)
	eng.Leave()
}
