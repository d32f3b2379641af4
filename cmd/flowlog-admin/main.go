package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ngoyal88/flowlog/pkg/cache"
	"github.com/ngoyal88/flowlog/pkg/config"
	"github.com/ngoyal88/flowlog/pkg/keymanager"
)

const envFile = ".env"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	_ = godotenv.Load(envFile)

	cmd := os.Args[1]
	switch cmd {
	case "init":
		adminKey, err := generateAdminKey()
		if err != nil {
			log.Fatalf("failed to generate admin key: %v", err)
		}
		if err := writeAdminKey(envFile, adminKey); err != nil {
			log.Fatalf("failed to write .env: %v", err)
		}
		fmt.Printf("AdminKey: %s\nSaved to .env (ADMIN_KEY).\n", adminKey)
	case "create-key":
		cfg := mustLoadConfig()
		rdb := mustRedis(cfg)
		handleCreateKey(rdb, os.Args[2:])
	case "list-keys":
		cfg := mustLoadConfig()
		rdb := mustRedis(cfg)
		handleListKeys(rdb)
	case "revoke-key":
		cfg := mustLoadConfig()
		rdb := mustRedis(cfg)
		handleRevokeKey(rdb, os.Args[2:])
	case "export", "delete", "download":
		if err := runRemote(cmd, os.Args[2:], os.Stdout); err != nil {
			log.Fatal(err)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("flowlog-admin commands:")
	fmt.Println("  init                      Generate admin key and store in .env")
	fmt.Println("  create-key                Create a new access key")
	fmt.Println("     flags: -name -user -desc -perms -expires-days")
	fmt.Println("  list-keys                 List all active keys")
	fmt.Println("  revoke-key <key>          Deactivate an access key")
	fmt.Println("  export <node>             Ask a running server to export a node's CSV log")
	fmt.Println("  delete <node>             Delete a node's CSV log")
	fmt.Println("  download <node> [file]    Download the live CSV log or an exported file")
	fmt.Println("     flags: -server -key -prefix -out")
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func mustRedis(cfg *config.Config) *cache.Client {
	if cfg == nil || !cfg.Redis.Enabled {
		log.Fatal("redis is not enabled in config")
	}
	rdb, err := cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	return rdb
}

func generateAdminKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "admin_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// writeAdminKey sets ADMIN_KEY in path, keeping every other variable.
func writeAdminKey(path, adminKey string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env["ADMIN_KEY"] = adminKey
	return godotenv.Write(env, path)
}

func handleCreateKey(rdb *cache.Client, args []string) {
	flags := flag.NewFlagSet("create-key", flag.ExitOnError)
	name := flags.String("name", "root", "Key name")
	user := flags.String("user", "root", "User ID")
	desc := flags.String("desc", "bootstrap key", "Description")
	perms := flags.String("perms", "flowlog.read", "Comma separated permissions (flowlog.read, flowlog.write, *)")
	expiresDays := flags.Int("expires-days", 0, "Expires in N days (0 = never)")

	if err := flags.Parse(args); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	var expiresIn *time.Duration
	if *expiresDays > 0 {
		d := time.Duration(*expiresDays) * 24 * time.Hour
		expiresIn = &d
	}

	km := keymanager.New(rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := km.CreateKey(ctx, *name, *user, *desc, splitList(*perms), expiresIn)
	if err != nil {
		log.Fatalf("failed to create key: %v", err)
	}

	b, _ := json.MarshalIndent(key, "", "  ")
	fmt.Println(string(b))
}

func handleListKeys(rdb *cache.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys, err := keymanager.New(rdb).ListActive(ctx)
	if err != nil {
		log.Fatalf("scan error: %v", err)
	}
	if len(keys) == 0 {
		fmt.Println("No active keys found")
		return
	}
	for i, k := range keys {
		fmt.Printf("%d) %s user=%s perms=%s created=%s used=%d expires=%v\n",
			i+1, k.Key, k.UserID, strings.Join(k.Permissions, ","), k.CreatedAt.Format(time.RFC3339), k.Used, k.ExpiresAt)
	}
}

func handleRevokeKey(rdb *cache.Client, args []string) {
	if len(args) < 1 {
		log.Fatal("usage: flowlog-admin revoke-key <key>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := keymanager.New(rdb).RevokeKey(ctx, args[0]); err != nil {
		log.Fatalf("failed to revoke key: %v", err)
	}
	fmt.Println("Access key revoked")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// remote holds the flags shared by the commands talking to a running server.
type remote struct {
	server string
	key    string
	prefix string
	out    string
	client *http.Client
}

func runRemote(cmd string, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet(cmd, flag.ContinueOnError)
	rm := remote{client: &http.Client{Timeout: 60 * time.Second}}
	flags.StringVar(&rm.server, "server", envOr("FLOWLOG_SERVER", "http://localhost:8080"), "flowlog server URL")
	flags.StringVar(&rm.key, "key", os.Getenv("ADMIN_KEY"), "Admin or access key")
	flags.StringVar(&rm.prefix, "prefix", "/admin", "Admin route prefix")
	flags.StringVar(&rm.out, "out", "", "Output file for download (default: server supplied name)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() < 1 {
		return fmt.Errorf("usage: flowlog-admin %s <node> [file]", cmd)
	}
	nodeID := flags.Arg(0)

	switch cmd {
	case "export":
		return rm.postJSON(nodeID, "export-csv", stdout)
	case "delete":
		return rm.postJSON(nodeID, "delete-csv", stdout)
	default:
		return rm.download(nodeID, flags.Arg(1), stdout)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func (rm *remote) endpoint(nodeID string, parts ...string) string {
	segs := []string{strings.TrimSuffix(rm.server, "/"), strings.Trim(rm.prefix, "/"), "flowlog", url.PathEscape(nodeID)}
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

func (rm *remote) do(method, endpoint string) (*http.Response, error) {
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if rm.key != "" {
		req.Header.Set("X-Admin-Key", rm.key)
	}
	return rm.client.Do(req)
}

func (rm *remote) postJSON(nodeID, action string, stdout io.Writer) error {
	resp, err := rm.do(http.MethodPost, rm.endpoint(nodeID, action))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%s: unreadable response (%s)", action, resp.Status)
	}
	b, _ := json.MarshalIndent(body, "", "  ")
	fmt.Fprintln(stdout, string(b))
	if ok, _ := body["success"].(bool); !ok {
		return fmt.Errorf("%s failed (%s)", action, resp.Status)
	}
	return nil
}

func (rm *remote) download(nodeID, file string, stdout io.Writer) error {
	parts := []string{"download-csv"}
	if file != "" {
		parts = append(parts, file)
	}
	resp, err := rm.do(http.MethodGet, rm.endpoint(nodeID, parts...))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("download failed (%s): %s", resp.Status, body.Error)
	}

	out := rm.out
	if out == "" {
		_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
		if err == nil && params["filename"] != "" {
			out = filepath.Base(params["filename"])
		} else {
			out = nodeID + ".csv"
		}
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Saved %s (%d bytes)\n", out, n)
	return nil
}
