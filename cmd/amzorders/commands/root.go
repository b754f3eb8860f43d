package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"amzorders/lib/cliutil"
	"amzorders/lib/configutil"
	"amzorders/lib/restyutil"
	"amzorders/lib/scrapers/amazon/core"
	"amzorders/lib/scrapers/amazon/orders"
	"amzorders/lib/sessionstore"

	"github.com/spf13/cobra"
)

type Config struct {
	BaseUrl   string `json:"base_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	OtpSecret string `json:"otp_secret"`
	// SessionDb is where authenticated sessions are persisted between
	// runs so every invocation does not redo the login flow.
	SessionDb string `json:"session_db"`
	// DebugDir, when set, dumps every http exchange for offline
	// debugging.
	DebugDir string `json:"debug_dir"`
}

var rootCmd = &cobra.Command{
	Use:   "amzorders",
	Short: "amzorders scrapes your order history off the storefront.",
}

var configPath *string

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "config.json5", "Path to the credentials/config file.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// promptSolver asks the human at the terminal to read the captcha.
type promptSolver struct{}

func (promptSolver) Solve(ctx context.Context, image []byte) (string, error) {
	path := filepath.Join(os.TempDir(), "amzorders-captcha.jpg")
	err := os.WriteFile(path, image, 0o644)
	if err != nil {
		return "", err
	}

	fmt.Printf("a captcha image was saved to %s\nenter the characters you see: ", path)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

type cliClients struct {
	cfg    Config
	core   *core.Client
	orders *orders.Client
	store  sessionstore.Store
}

func setupClients(ctx context.Context) cliClients {
	cfg, err := configutil.ReadConfig[Config](*configPath)
	if err != nil {
		cliutil.Fatal("failed to read config", err)
	}
	if cfg.BaseUrl == "" {
		cfg.BaseUrl = "https://www.amazon.com"
	}
	if cfg.SessionDb == "" {
		cfg.SessionDb = "sessions.db"
	}

	var output restyutil.InstrumentOutput
	if cfg.DebugDir != "" {
		output = restyutil.NewFilesystemOutput(cfg.DebugDir)
	}

	coreClient, err := core.NewClient(ctx, core.ClientOptions{
		BaseUrl: cfg.BaseUrl,
		Credentials: core.Credentials{
			Username:  cfg.Username,
			Password:  cfg.Password,
			OtpSecret: cfg.OtpSecret,
		},
		Solver:           promptSolver{},
		InstrumentOutput: output,
	})
	if err != nil {
		cliutil.Fatal("failed to initialize client", err)
	}

	store, err := sessionstore.Open(cfg.SessionDb)
	if err != nil {
		cliutil.Fatal("failed to open session store", err)
	}

	return cliClients{
		cfg:    cfg,
		core:   coreClient,
		orders: orders.NewClient(coreClient),
		store:  store,
	}
}

// restoreStoredSession loads the persisted session, when there is one
// the server still accepts. Failure is fine; the client will log in on
// first use.
func (c cliClients) restoreStoredSession(ctx context.Context) {
	blob, savedAt, err := c.store.Load(ctx, c.cfg.Username)
	if err != nil {
		if err != sessionstore.ErrNotFound {
			slog.Warn("failed to load stored session", "err", err)
		}
		return
	}

	ok, err := c.core.RestoreSession(ctx, blob)
	if err != nil {
		slog.Warn("failed to restore stored session", "err", err)
		return
	}
	if !ok {
		slog.Info("stored session no longer valid", "saved_at", savedAt)
		return
	}
	slog.Info("restored stored session", "saved_at", savedAt)
}

// persistSession writes the current session back to the store so the
// next invocation can skip the login flow.
func (c cliClients) persistSession(ctx context.Context) {
	session := c.core.Session()
	if session == nil || session.State != core.SessionAuthenticated {
		return
	}
	blob, err := session.Blob()
	if err != nil {
		slog.Warn("failed to serialize session", "err", err)
		return
	}
	err = c.store.Save(ctx, c.cfg.Username, blob)
	if err != nil {
		slog.Warn("failed to persist session", "err", err)
	}
}
