package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/fedrelay/internal/config"
	"github.com/matheus3301/fedrelay/internal/daemon"
	"github.com/matheus3301/fedrelay/internal/federation"
	"github.com/matheus3301/fedrelay/internal/paths"
	"github.com/matheus3301/fedrelay/internal/platform/discord"
	"github.com/matheus3301/fedrelay/internal/platform/telegram"
	"github.com/matheus3301/fedrelay/internal/platform/whatsapp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func main() {
	dataFlag := flag.String("data", paths.DefaultDataDir(), "data directory")
	configFlag := flag.String("config", "", "config file (default <data>/relayd.toml)")
	urlFlag := flag.String("url", "", "directory URL (default: the local daemon, or registry.url in remote mode)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	layout := paths.New(*dataFlag)
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = layout.ConfigPath()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if args[0] == "init" {
		cmdInit(cfgPath)
		return
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fail(err)
	}

	switch args[0] {
	case "status":
		cmdStatus(ctx, layout.SocketPath(), *jsonFlag)
	case "peers":
		cmdPeers(ctx, directory(cfg, *urlFlag), *jsonFlag)
	case "rooms":
		cmdRooms(ctx, directory(cfg, *urlFlag), *jsonFlag)
	case "room":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: relayctl room <id>")
			os.Exit(1)
		}
		cmdRoom(ctx, directory(cfg, *urlFlag), args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: relayctl [--data <dir>] [--config <file>] [--url <directory>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init         Write a default config file")
	fmt.Fprintln(os.Stderr, "  status       Show daemon and adapter health")
	fmt.Fprintln(os.Stderr, "  peers        List federation peers")
	fmt.Fprintln(os.Stderr, "  rooms        List federated rooms")
	fmt.Fprintln(os.Stderr, "  room <id>    Show one federated room")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func directory(cfg *config.Config, override string) *federation.Client {
	url := override
	switch {
	case url != "":
	case cfg.Registry.Mode == config.RegistryRemote:
		url = cfg.Registry.URL
	default:
		url = localURL(cfg.Listen)
	}
	return federation.NewClient(url, nil)
}

// localURL turns a listen address like ":8080" into a dialable URL.
func localURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "localhost" + listen
	}
	return "http://" + listen
}

func cmdInit(path string) {
	if _, err := os.Stat(path); err == nil {
		fail(fmt.Errorf("%s already exists", path))
	}
	if err := config.Save(path, config.Default()); err != nil {
		fail(err)
	}
	fmt.Printf("Wrote %s\n", path)
}

var adapterNames = []string{discord.Name, telegram.Name, whatsapp.Name}

type statusView struct {
	Daemon   string            `json:"daemon"`
	Adapters map[string]string `json:"adapters"`
}

func cmdStatus(ctx context.Context, socketPath string, jsonOut bool) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon: %w", err))
	}
	defer func() { _ = conn.Close() }()
	hc := healthpb.NewHealthClient(conn)

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fail(fmt.Errorf("daemon not reachable at %s: %w", socketPath, err))
	}
	view := statusView{Daemon: resp.Status.String(), Adapters: map[string]string{}}
	for _, name := range adapterNames {
		r, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.PlatformService(name)})
		switch {
		case status.Code(err) == codes.NotFound:
			continue
		case err != nil:
			view.Adapters[name] = "unknown: " + err.Error()
		default:
			view.Adapters[name] = r.Status.String()
		}
	}

	if jsonOut {
		outputJSON(view)
		return
	}
	fmt.Printf("Daemon: %s\n", view.Daemon)
	if len(view.Adapters) == 0 {
		fmt.Println("No adapters enabled.")
		return
	}
	for _, name := range adapterNames {
		if st, ok := view.Adapters[name]; ok {
			fmt.Printf("  %-10s %s\n", name, st)
		}
	}
}

func cmdPeers(ctx context.Context, c *federation.Client, jsonOut bool) {
	peers, err := c.ListPeers(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(peers)
		return
	}
	if len(peers) == 0 {
		fmt.Println("No peers registered.")
		return
	}
	for _, p := range peers {
		fmt.Printf("%-20s %-8s %s (last seen %s)\n", p.Name, p.Status, p.Endpoint, p.LastSeen.Format(time.RFC3339))
	}
}

func cmdRooms(ctx context.Context, c *federation.Client, jsonOut bool) {
	rooms, err := c.ListRooms(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(rooms)
		return
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms registered.")
		return
	}
	for _, r := range rooms {
		fmt.Printf("%-38s %-24s %d peers\n", r.ID, r.Name, len(r.Peers))
	}
}

func cmdRoom(ctx context.Context, c *federation.Client, id string, jsonOut bool) {
	room, err := c.GetRoom(ctx, id)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(room)
		return
	}
	fmt.Printf("Room:    %s\n", room.ID)
	fmt.Printf("Name:    %s\n", room.Name)
	fmt.Printf("Created: %s\n", room.CreatedAt.Format(time.RFC3339))
	for _, p := range room.Peers {
		fmt.Printf("  %s\n", p)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
