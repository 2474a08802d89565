package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/dbp2p/client/dbp2p"
)

const Dbp2pCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `DB P2P control.

The default urls are:
    api_url: http://localhost:8080
    ws_url: ws://localhost:8081
Values from --config are used when a flag is omitted.

Usage:
    dbp2pctl demo [options] [--demo=<demo>]
    dbp2pctl list [options] <collection>
    dbp2pctl watch [options] <collection> [<document_id>]
        [--event_count=<event_count>]
    dbp2pctl health [--config=<config>] [--api_url=<api_url>]
    dbp2pctl -h | --help
    dbp2pctl --version

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                YAML config file.
    --api_url=<api_url>              REST api url.
    --ws_url=<ws_url>                Event channel url.
    --username=<username>
    --password=<password>            Prompted when omitted on a terminal.
    --demo=<demo>                    One of crud, backup, users, websocket, all [default: all].
    --event_count=<event_count>      Print this many events then exit.
    -v=<level>                       Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Dbp2pCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	config, err := loadConfig(opts)
	if err != nil {
		Err.Printf("Invalid config (%s).\n", err)
		os.Exit(1)
	}

	if demo_, _ := opts.Bool("demo"); demo_ {
		os.Exit(demo(opts, config))
	} else if list_, _ := opts.Bool("list"); list_ {
		os.Exit(list(opts, config))
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		os.Exit(watch(opts, config))
	} else if health_, _ := opts.Bool("health"); health_ {
		os.Exit(health(config))
	}
}

func initGlog(opts docopt.Opts) {
	level, _ := opts.String("-v")
	if level == "" {
		level = "0"
	}
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", level)
}

// flags override the config file, which overrides the defaults
func loadConfig(opts docopt.Opts) (*dbp2p.Config, error) {
	config := dbp2p.DefaultConfig()
	if configPath, _ := opts.String("--config"); configPath != "" {
		var err error
		config, err = dbp2p.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}
	if apiUrl, _ := opts.String("--api_url"); apiUrl != "" {
		config.Api.Url = apiUrl
	}
	if wsUrl, _ := opts.String("--ws_url"); wsUrl != "" {
		config.WebSocket.Url = wsUrl
	}
	if username, _ := opts.String("--username"); username != "" {
		config.Auth.Username = username
	}
	if password, _ := opts.String("--password"); password != "" {
		config.Auth.Password = password
	}
	return config, nil
}

func promptPassword(username string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	passwordBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// creates a client and logs in. Returns nil on failure, after printing the reason.
func login(ctx context.Context, config *dbp2p.Config, observer dbp2p.EventObserver, colors *palette) *dbp2p.Client {
	password := config.Auth.Password
	if password == "" {
		var err error
		password, err = promptPassword(config.Auth.Username)
		if err != nil {
			Out.Print(colors.Sprintf(colorRed, "Could not read password (%s).", err))
			return nil
		}
	}

	client := dbp2p.NewClientFromConfig(ctx, config, observer)

	Out.Print(colors.Sprintf(colorBlue, "Logging in as %s...", config.Auth.Username))
	session, err := client.Login(config.Auth.Username, password)
	if err != nil {
		Out.Print(colors.Sprintf(colorRed, "Login failed (%s).", err))
		client.Close()
		return nil
	}
	Out.Print(colors.Sprintf(colorGreen, "Logged in as %s (roles: %s)", session.Username, joinRoles(session.Roles)))
	return client
}

func demo(opts docopt.Opts, config *dbp2p.Config) int {
	demoName, _ := opts.String("--demo")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	colors := newPalette()
	events := newEventPrinter(colors)

	client := login(ctx, config, events, colors)
	if client == nil {
		return 1
	}
	defer client.Close()

	all := demoName == "all"
	if all || demoName == "crud" {
		demoCrud(client, colors)
	}
	if all || demoName == "backup" {
		demoBackup(client, colors)
	}
	if all || demoName == "users" {
		demoUsers(client, colors)
	}
	if all || demoName == "websocket" {
		demoWebsocket(ctx, client, events, colors)
	}

	Out.Print(colors.Sprintf(colorGreen, "Demo complete."))
	return 0
}

func list(opts docopt.Opts, config *dbp2p.Config) int {
	collection, _ := opts.String("<collection>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	colors := newPalette()

	client := login(ctx, config, nil, colors)
	if client == nil {
		return 1
	}
	defer client.Close()

	documents, err := client.Api().ListCollectionSync(collection)
	if err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not list %s (%s).", collection, err))
		return 0
	}
	printDocuments(documents, colors)
	return 0
}

// listen for events
func watch(opts docopt.Opts, config *dbp2p.Config) int {
	collection, _ := opts.String("<collection>")
	documentId, _ := opts.String("<document_id>")

	var eventCount int
	if eventCount_, err := opts.Int("--event_count"); err == nil {
		eventCount = eventCount_
	} else {
		eventCount = -1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	colors := newPalette()
	events := newEventPrinter(colors)

	client := login(ctx, config, events, colors)
	if client == nil {
		return 1
	}
	defer client.Close()

	client.Subscribe(collection, documentId)
	if err := client.Connect(ctx); err != nil {
		Out.Print(colors.Sprintf(colorRed, "Could not connect the event channel (%s).", err))
		return 0
	}

	for i := 0; eventCount < 0 || i < eventCount; i += 1 {
		select {
		case <-ctx.Done():
			return 0
		case <-events.Changes():
		}
	}
	return 0
}

func health(config *dbp2p.Config) int {
	colors := newPalette()
	api := dbp2p.NewDbApiWithContext(context.Background(), config.Api.Url, dbp2p.NewCredentialStore(), config.ClientSettings().ApiSettings)
	defer api.Close()

	result, err := api.HealthSync()
	if err != nil {
		Out.Print(colors.Sprintf(colorRed, "Unhealthy (%s).", err))
		return 1
	}
	Out.Print(colors.Sprintf(colorGreen, "%s (version %s)", result.Status, result.Version))
	for service, status := range result.Services {
		Out.Printf("    %s: %s", service, status)
	}
	return 0
}
