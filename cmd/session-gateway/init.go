// ABOUTME: Interactive "init" subcommand that writes a starter gateway.yaml
// ABOUTME: The generated file is parsed and validated before it is written

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/2389/session-gateway/internal/config"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	HTTPAddr string
	GRPCAddr string

	DBPath string

	PresenceBackend string
	RedisAddr       string
	RedisPassword   string

	EngineKind      string
	Homeserver      string
	CallbackURL     string
	Markdown        bool
	AuthEnabled     bool
	SingleShot      bool
	RecipientSuffix string
	QRTerminal      bool

	TailscaleEnabled bool
	TSHostname       string
	TSAuthKey        string
	TSEphemeral      bool
	TSHTTPS          bool

	LogLevel  string
	LogFormat string
}

// prompter reads answers line by line. Secrets are read without echo when
// the input is a terminal.
type prompter struct {
	reader *bufio.Reader
	out    io.Writer
	fd     int
	tty    bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	p := &prompter{reader: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok {
		p.fd = int(f.Fd())
		p.tty = term.IsTerminal(p.fd)
	}
	return p
}

func (p *prompter) ask(question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}

	input, err := p.reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(p.out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func (p *prompter) confirm(question string, defaultVal bool) bool {
	def := "no"
	if defaultVal {
		def = "yes"
	}
	answer := strings.ToLower(p.ask(question, def))
	return answer == "yes" || answer == "y"
}

func (p *prompter) secret(question string) string {
	if !p.tty {
		return p.ask(question, "")
	}
	fmt.Fprintf(p.out, "%s: ", question)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func runInit(args []string, in io.Reader, out io.Writer) error {
	fs, configFlag := newFlagSet("init")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := newPrompter(in, out)

	fmt.Fprintln(out, "session-gateway configuration setup")
	fmt.Fprintln(out, "===================================")
	fmt.Fprintln(out)

	defaultDBPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := p.ask("Config file path", getConfigPath(*configFlag))
	if _, err := os.Stat(outputFile); err == nil {
		if !p.confirm("File exists. Overwrite?", false) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = p.ask("HTTP address", "0.0.0.0:5000")
	a.GRPCAddr = p.ask("gRPC health address (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Presence Configuration ---")
	a.PresenceBackend = p.ask("Presence backend (sqlite/redis/memory)", config.PresenceBackendSQLite)
	if a.PresenceBackend == config.PresenceBackendRedis {
		a.RedisAddr = p.ask("Redis address", "localhost:6379")
		a.RedisPassword = p.secret("Redis password (leave empty for none)")
	}

	fmt.Fprintln(out, "\n--- Engine Configuration ---")
	a.EngineKind = p.ask("Engine (matrix/fake)", config.EngineMatrix)
	if a.EngineKind == config.EngineMatrix {
		a.Homeserver = p.ask("Matrix homeserver URL", "https://matrix.org")
		a.CallbackURL = p.ask("Public gateway URL for SSO callbacks", "http://localhost:5000")
		a.Markdown = p.confirm("Render outbound messages as markdown?", false)
	}

	if a.PresenceBackend == config.PresenceBackendSQLite || a.EngineKind == config.EngineMatrix {
		fmt.Fprintln(out, "\n--- Database Configuration ---")
		a.DBPath = p.ask("SQLite database path", defaultDBPath)
	}

	fmt.Fprintln(out, "\n--- Session Policy ---")
	a.AuthEnabled = p.confirm("Broadcast auth challenges as qr events?", true)
	a.SingleShot = p.confirm("Forget sessions when they disconnect?", true)
	// Matrix recipients are room IDs and aliases; a suffix would break them
	if a.EngineKind != config.EngineMatrix {
		a.RecipientSuffix = p.ask("Recipient suffix", config.DefaultFakeRecipientSuffix)
	}
	a.QRTerminal = p.confirm("Print auth challenges as QR codes on this terminal?", false)

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = p.confirm("Enable Tailscale?", false)
	if a.TailscaleEnabled {
		a.TSHostname = p.ask("Tailscale hostname", "session-gateway")
		a.TSAuthKey = p.secret("Tailscale auth key (leave empty to use TS_AUTHKEY)")
		a.TSEphemeral = p.confirm("Ephemeral node?", false)
		a.TSHTTPS = p.confirm("Serve HTTPS with Tailscale certificates?", false)
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = p.ask("Log level (debug/info/warn/error)", "info")
	a.LogFormat = p.ask("Log format (text/json)", "text")

	content := renderConfig(a)
	if _, err := config.Parse(content, false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may carry secrets.
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)

	if a.DBPath != "" {
		dataDir := filepath.Dir(a.DBPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	}

	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  session-gateway serve")

	return nil
}

// renderConfig produces the YAML file for a set of answers.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# session-gateway configuration\n")
	b.WriteString("# Generated by session-gateway init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.HTTPAddr)
	if a.GRPCAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", a.GRPCAddr)
	}
	b.WriteString("\n")

	if a.DBPath != "" {
		b.WriteString("database:\n")
		fmt.Fprintf(&b, "  path: %q\n", a.DBPath)
		b.WriteString("\n")
	}

	b.WriteString("presence:\n")
	fmt.Fprintf(&b, "  backend: %q\n", a.PresenceBackend)
	if a.PresenceBackend == config.PresenceBackendRedis {
		b.WriteString("  redis:\n")
		fmt.Fprintf(&b, "    addr: %q\n", a.RedisAddr)
		if a.RedisPassword != "" {
			fmt.Fprintf(&b, "    password: %q\n", a.RedisPassword)
		}
	}
	b.WriteString("\n")

	b.WriteString("sessions:\n")
	fmt.Fprintf(&b, "  auth_enabled: %t\n", a.AuthEnabled)
	fmt.Fprintf(&b, "  single_shot: %t\n", a.SingleShot)
	if a.EngineKind != config.EngineMatrix {
		fmt.Fprintf(&b, "  recipient_suffix: %q\n", a.RecipientSuffix)
	}
	b.WriteString("  message_dedupe_ttl: \"5m\"\n")
	b.WriteString("\n")

	b.WriteString("engine:\n")
	fmt.Fprintf(&b, "  kind: %q\n", a.EngineKind)
	if a.EngineKind == config.EngineMatrix {
		b.WriteString("  matrix:\n")
		fmt.Fprintf(&b, "    homeserver: %q\n", a.Homeserver)
		fmt.Fprintf(&b, "    callback_url: %q\n", a.CallbackURL)
		fmt.Fprintf(&b, "    markdown: %t\n", a.Markdown)
	}
	b.WriteString("\n")

	b.WriteString("events:\n")
	b.WriteString("  subscriber_buffer: 64\n")
	fmt.Fprintf(&b, "  qr_terminal: %t\n", a.QRTerminal)
	b.WriteString("\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&b, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&b, "  ephemeral: %t\n", a.TSEphemeral)
		fmt.Fprintf(&b, "  https: %t\n", a.TSHTTPS)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)

	return b.String()
}
