package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pmaia/chatvault/internal/paths"
	"github.com/pmaia/chatvault/internal/store"
)

func main() {
	socketFlag := flag.String("socket", "", "daemon socket path (overrides default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = paths.SocketPath()
	}
	c := newClient(socketPath)

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "stats":
		cmdStats(c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatvaultctl messages <channel-id> [limit]")
			os.Exit(1)
		}
		cmdMessages(c, args[1:], *jsonFlag)
	case "session":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatvaultctl session <bind|drop> ...")
			os.Exit(1)
		}
		cmdSession(c, args[1:])
	case "purge":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatvaultctl purge <retention-days>")
			os.Exit(1)
		}
		cmdPurge(c, args[1])
	case "preload":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatvaultctl preload <channel-id> [channel-id...]")
			os.Exit(1)
		}
		cmdPreload(c, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatvaultctl [--socket <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show session state")
	fmt.Fprintln(os.Stderr, "  stats                          Show store totals")
	fmt.Fprintln(os.Stderr, "  messages <channel-id> [limit]  List cached messages")
	fmt.Fprintln(os.Stderr, "  session bind <user> <endpoint> Bind the session")
	fmt.Fprintln(os.Stderr, "  session drop [--no-flush]      Sign the session out")
	fmt.Fprintln(os.Stderr, "  purge <retention-days>         Purge rows older than retention")
	fmt.Fprintln(os.Stderr, "  preload <channel-id>...        Warm up channels")
}

// client speaks HTTP to the daemon over its unix socket.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 10 * time.Second,
	}}
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get("http://chatvault" + path)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *client) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post("http://chatvault"+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *client) del(path string, out any) error {
	req, err := http.NewRequest(http.MethodDelete, "http://chatvault"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func (c *client) decode(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(c *client, jsonOut bool) {
	var resp struct {
		State    string `json:"state"`
		UserID   string `json:"user_id"`
		Endpoint string `json:"endpoint"`
	}
	if err := c.get("/v1/status", &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("State:    %s\n", resp.State)
	if resp.UserID != "" {
		fmt.Printf("User:     %s\n", resp.UserID)
		fmt.Printf("Endpoint: %s\n", resp.Endpoint)
	}
}

func cmdStats(c *client, jsonOut bool) {
	var stats store.Stats
	if err := c.get("/v1/stats", &stats); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(stats)
		return
	}
	fmt.Printf("Messages: %d\n", stats.MessageCount)
	fmt.Printf("Users:    %d\n", stats.UserCount)
	fmt.Printf("Size:     %d bytes\n", stats.SizeBytes)
}

func cmdMessages(c *client, args []string, jsonOut bool) {
	channelID := args[0]
	limit := 50
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			fail(fmt.Errorf("invalid limit %q", args[1]))
		}
		limit = n
	}

	var resp struct {
		Messages []*store.Message `json:"messages"`
	}
	if err := c.get(fmt.Sprintf("/v1/channels/%s/messages?limit=%d", channelID, limit), &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No cached messages.")
		return
	}
	for _, m := range resp.Messages {
		ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04:05")
		fmt.Printf("%s  %-16s %s\n", ts, m.AuthorID, store.ContentSummary(m))
	}
}

func cmdSession(c *client, args []string) {
	switch args[0] {
	case "bind":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatvaultctl session bind <user-id> <endpoint>")
			os.Exit(1)
		}
		if err := c.post("/v1/session", map[string]string{
			"user_id": args[1], "endpoint": args[2],
		}, nil); err != nil {
			fail(err)
		}
		fmt.Println("Session bound.")
	case "drop":
		path := "/v1/session"
		if len(args) > 1 && args[1] == "--no-flush" {
			path += "?flush=false"
		}
		if err := c.del(path, nil); err != nil {
			fail(err)
		}
		fmt.Println("Session dropped.")
	default:
		fmt.Fprintf(os.Stderr, "unknown session subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func cmdPurge(c *client, arg string) {
	days, err := strconv.Atoi(arg)
	if err != nil || days <= 0 {
		fail(fmt.Errorf("invalid retention days %q", arg))
	}
	if err := c.post("/v1/purge", map[string]int{"retention_days": days}, nil); err != nil {
		fail(err)
	}
	fmt.Println("Purge enqueued.")
}

func cmdPreload(c *client, channelIDs []string) {
	if err := c.post("/v1/preload", map[string]any{"channel_ids": channelIDs}, nil); err != nil {
		fail(err)
	}
	fmt.Printf("Preload requested for %d channel(s).\n", len(channelIDs))
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
