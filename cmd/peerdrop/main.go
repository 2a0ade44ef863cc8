package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peerdrop/peerdrop/pkg/cli"
	"github.com/peerdrop/peerdrop/pkg/client"
	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/logging"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/peerdrop/peerdrop/pkg/node"
	"github.com/peerdrop/peerdrop/pkg/server/handlers"
	"github.com/sirupsen/logrus"
)

// Version information (set during build).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// Command represents one CLI subcommand.
type Command struct {
	Name        string
	Description string
	Usage       string
	Flags       *flag.FlagSet
	Action      func(args []string) error
}

// Application holds the CLI state.
type Application struct {
	commands map[string]*Command
}

func main() {
	logging.Init()

	app := &Application{commands: make(map[string]*Command)}
	app.registerCommands()

	if len(os.Args) < 2 {
		app.showUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	switch name {
	case "help", "-h", "--help":
		app.showUsage()
		return
	case "version", "-v", "--version":
		fmt.Printf("peerdrop %s (%s)\n", Version, GitCommit)
		return
	}

	cmd, ok := app.commands[name]
	if !ok {
		logrus.Errorf("Unknown command: %s", name)
		app.showUsage()
		os.Exit(1)
	}

	if err := cmd.Action(os.Args[2:]); err != nil {
		logrus.Fatalf("Command failed: %v", err)
	}
}

func (app *Application) registerCommands() {
	// serve
	serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
	servePort := serveFlags.Int("port", 0, "Port to listen on (default: 53317)")
	serveHTTPS := serveFlags.Bool("https", false, "Serve over HTTPS with a self-signed certificate")
	servePin := serveFlags.String("pin", "", "Require this PIN on incoming transfers")
	serveAlias := serveFlags.String("alias", "", "Device alias (default: hostname)")
	serveDir := serveFlags.String("dir", "", "Directory for received files")
	serveMetrics := serveFlags.Bool("metrics", false, "Expose Prometheus metrics on /metrics")
	app.commands["serve"] = &Command{
		Name:        "serve",
		Description: "Run the node: announce, discover, and receive files",
		Usage:       "peerdrop serve [OPTIONS]",
		Flags:       serveFlags,
		Action: func(args []string) error {
			serveFlags.Parse(args)
			return runServe(*serveAlias, *servePort, *serveHTTPS, *servePin, *serveDir, *serveMetrics)
		},
	}

	// discover
	discoverFlags := flag.NewFlagSet("discover", flag.ExitOnError)
	discoverTimeout := discoverFlags.Int("timeout", 5, "Discovery timeout in seconds")
	discoverJSON := discoverFlags.Bool("json", false, "Output in JSON format")
	app.commands["discover"] = &Command{
		Name:        "discover",
		Description: "Announce on the multicast group and list responding peers",
		Usage:       "peerdrop discover [OPTIONS]",
		Flags:       discoverFlags,
		Action: func(args []string) error {
			discoverFlags.Parse(args)
			return runDiscover(*discoverTimeout, *discoverJSON, false)
		},
	}

	// scan
	scanFlags := flag.NewFlagSet("scan", flag.ExitOnError)
	scanTimeout := scanFlags.Int("timeout", 15, "Scan timeout in seconds")
	scanJSON := scanFlags.Bool("json", false, "Output in JSON format")
	app.commands["scan"] = &Command{
		Name:        "scan",
		Description: "Probe every host in the local /24 subnets over HTTP",
		Usage:       "peerdrop scan [OPTIONS]",
		Flags:       scanFlags,
		Action: func(args []string) error {
			scanFlags.Parse(args)
			return runDiscover(*scanTimeout, *scanJSON, true)
		},
	}

	// send
	sendFlags := flag.NewFlagSet("send", flag.ExitOnError)
	sendFile := sendFlags.String("file", "", "File to send (required)")
	sendTo := sendFlags.String("to", "", "Target device alias (required)")
	sendPin := sendFlags.String("pin", "", "PIN expected by the receiver")
	sendTimeout := sendFlags.Int("timeout", 30, "Overall send timeout in seconds")
	app.commands["send"] = &Command{
		Name:        "send",
		Description: "Send a file to another device",
		Usage:       "peerdrop send --file FILE --to DEVICE [OPTIONS]",
		Flags:       sendFlags,
		Action: func(args []string) error {
			sendFlags.Parse(args)
			return runSend(*sendFile, *sendTo, *sendPin, *sendTimeout)
		},
	}
}

func (app *Application) showUsage() {
	fmt.Println("peerdrop - LAN file sharing (LocalSend v2 protocol)")
	fmt.Println()
	fmt.Println("Usage: peerdrop COMMAND [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, name := range []string{"serve", "discover", "scan", "send"} {
		if cmd, ok := app.commands[name]; ok {
			fmt.Printf("  %-10s %s\n", cmd.Name, cmd.Description)
		}
	}
	fmt.Println("  version    Print version information")
	fmt.Println("  help       Show this help")
}

func buildConfig(alias string, port int, https bool, pin, dir string, metrics bool) (*config.Config, error) {
	protocol := model.ProtocolTypeHTTP
	if https {
		protocol = model.ProtocolTypeHTTPS
	}
	return config.New(config.Options{
		Alias:         alias,
		Port:          port,
		Protocol:      protocol,
		PIN:           pin,
		SaveDir:       dir,
		EnableMetrics: metrics,
	})
}

func runServe(alias string, port int, https bool, pin, dir string, metrics bool) error {
	cfg, err := buildConfig(alias, port, https, pin, dir, metrics)
	if err != nil {
		return err
	}

	out := cli.NewOutputWriter(cli.FormatTable)
	n := node.New(cfg, node.Callbacks{
		OnTransferRequest: func(sender model.RegisterDto, files map[string]model.FileDto) bool {
			logrus.Infof("Accepting %d file(s) from %s", len(files), sender.Alias)
			return true
		},
		OnTransferProgress: func(fileID, fileName string, received, total int64, bps float64, finished bool, info *handlers.CompletionInfo) {
			if finished && info != nil {
				out.WriteMessage(fmt.Sprintf("Received %s -> %s (%.1f KB/s)", fileName, info.FilePath, info.AverageSpeed/1024))
				return
			}
			out.WriteProgress(fileName, received, total)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("Shutting down...")
	return nil
}

func runDiscover(timeoutSec int, asJSON, scanOnly bool) error {
	cfg, err := buildConfig("", 0, false, "", "", false)
	if err != nil {
		return err
	}

	n := node.New(cfg, node.Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	waitCtx, waitCancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer waitCancel()
	if scanOnly {
		n.ScanNow(waitCtx)
	}
	<-waitCtx.Done()

	format := cli.FormatTable
	if asJSON {
		format = cli.FormatJSON
	}
	return cli.NewOutputWriter(format).WriteDevices(n.Peers())
}

func runSend(filePath, toAlias, pin string, timeoutSec int) error {
	if filePath == "" || toAlias == "" {
		return fmt.Errorf("both --file and --to are required")
	}
	if _, err := os.Stat(filePath); err != nil {
		return fmt.Errorf("cannot read %s: %w", filePath, err)
	}

	cfg, err := buildConfig("", 0, false, "", "", false)
	if err != nil {
		return err
	}

	out := cli.NewOutputWriter(cli.FormatTable)
	n := node.New(cfg, node.Callbacks{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	out.WriteMessage(fmt.Sprintf("Looking for %q...", toAlias))
	n.ScanNow(ctx)
	peer, err := n.FindPeer(ctx, toAlias)
	if err != nil {
		return err
	}
	out.WriteMessage(fmt.Sprintf("Found %s at %s:%d", peer.Alias, peer.IP, peer.Port))

	err = n.SendFile(ctx, client.TargetFor(peer), filePath, pin, func(sent, total int64, finished bool) {
		out.WriteProgress(filePath, sent, total)
	})
	if err != nil {
		if errors.Is(err, client.ErrRejected) {
			return fmt.Errorf("transfer rejected by %s", peer.Alias)
		}
		return err
	}

	out.WriteMessage("File sent successfully.")
	return nil
}
