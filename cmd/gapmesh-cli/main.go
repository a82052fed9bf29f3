// Command gapmesh-cli is a thin client for a running gapmesh-node's
// loopback Control API, plus a local identity inspector that needs no
// running node.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/gapmesh/core/internal/identity"
	"github.com/gapmesh/core/internal/keychain"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch cmd {
	case "identity":
		cmdIdentity()
	case "login":
		cmdLogin()
	case "peers":
		cmdPeers()
	case "status":
		cmdStatus()
	case "send":
		cmdSend()
	case "panic-wipe":
		cmdPanicWipe()
	case "version":
		fmt.Printf("gapmesh-cli %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: gapmesh-cli <command> [options]

Commands:
  identity     Show this node's identity from its local data directory
  login        Exchange the Control API pairing secret for a JWT
  peers        List known peers
  status       Show local node status
  send         Send a private message to a peer
  panic-wipe   Destroy all key material via the Control API
  version      Show version
  help         Show this help`)
}

// --- Identity command (reads the local keychain directly, no network) ---

func cmdIdentity() {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	dataDir := fs.String("data-dir", "/var/lib/gapmesh", "node data directory")
	fs.Parse(os.Args[1:])

	kc, err := keychain.OpenSQLite("sqlite://" + filepath.Join(*dataDir, "identity.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	id, err := identity.LoadOrGenerate(context.Background(), kc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("PeerID:      %s\n", id.PeerID)
	fmt.Printf("Fingerprint: %s\n", id.Fingerprint)
}

// --- Control API client commands ---

func cmdLogin() {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	node := fs.String("node", "http://127.0.0.1:9944", "gapmesh-node Control API base URL")
	secret := fs.String("secret", "", "pairing secret printed on the node's first start")
	fs.Parse(os.Args[1:])

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: --secret is required")
		os.Exit(1)
	}

	client := &apiClient{base: *node}
	var resp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := client.post("/v1/auth/login", map[string]string{"secret": *secret}, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token:      %s\n", resp.Token)
	fmt.Printf("Expires at: %s\n", resp.ExpiresAt)
}

func cmdPeers() {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	node := fs.String("node", "http://127.0.0.1:9944", "gapmesh-node Control API base URL")
	token := fs.String("token", "", "JWT from login")
	fs.Parse(os.Args[1:])

	client := &apiClient{base: *node, token: *token}
	var peers []struct {
		PeerID   string `json:"peer_id"`
		Nickname string `json:"nickname"`
	}
	if err := client.get("/v1/peers", &peers); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER ID\tNICKNAME")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\n", p.PeerID, p.Nickname)
	}
	w.Flush()
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	node := fs.String("node", "http://127.0.0.1:9944", "gapmesh-node Control API base URL")
	token := fs.String("token", "", "JWT from login")
	fs.Parse(os.Args[1:])

	client := &apiClient{base: *node, token: *token}
	var status struct {
		PeerID      string `json:"peer_id"`
		Fingerprint string `json:"fingerprint"`
		Nickname    string `json:"nickname"`
		PeerCount   int    `json:"peer_count"`
	}
	if err := client.get("/v1/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("PeerID:      %s\n", status.PeerID)
	fmt.Printf("Fingerprint: %s\n", status.Fingerprint)
	fmt.Printf("Nickname:    %s\n", status.Nickname)
	fmt.Printf("Known peers: %d\n", status.PeerCount)
}

func cmdSend() {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	node := fs.String("node", "http://127.0.0.1:9944", "gapmesh-node Control API base URL")
	token := fs.String("token", "", "JWT from login")
	peer := fs.String("peer", "", "recipient peer ID (hex)")
	text := fs.String("text", "", "message text")
	fs.Parse(os.Args[1:])

	if *peer == "" || *text == "" {
		fmt.Fprintln(os.Stderr, "error: --peer and --text are required")
		os.Exit(1)
	}

	client := &apiClient{base: *node, token: *token}
	if err := client.post("/v1/send", map[string]string{"peer": *peer, "text": *text}, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("queued")
}

func cmdPanicWipe() {
	fs := flag.NewFlagSet("panic-wipe", flag.ExitOnError)
	node := fs.String("node", "http://127.0.0.1:9944", "gapmesh-node Control API base URL")
	token := fs.String("token", "", "JWT from login")
	confirm := fs.Bool("yes", false, "confirm destruction of all key material")
	fs.Parse(os.Args[1:])

	if !*confirm {
		fmt.Fprintln(os.Stderr, "error: pass --yes to confirm this destroys all key material")
		os.Exit(1)
	}

	client := &apiClient{base: *node, token: *token}
	if err := client.post("/v1/panic-wipe", nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("wiped")
}

// --- HTTP client helper ---

type apiClient struct {
	base  string
	token string
}

func (c *apiClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) post(path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
