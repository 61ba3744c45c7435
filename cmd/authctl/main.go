// Command authctl is the operator's tool for the auth service: it hashes
// passwords, mints and inspects tokens, and applies schema migrations.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/term"

	"xpp/auth-service/internal/config"
	"xpp/auth-service/internal/migrations"
	"xpp/auth-service/internal/password"
	"xpp/auth-service/internal/token"
)

// Seams for tests; both touch the real terminal otherwise.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

const usage = `usage: authctl <command> [flags]

commands:
  hash     hash a password read from the terminal or stdin
  issue    mint a token for a user id and username
  inspect  decode and check a token
  migrate  apply migrations, or "migrate status" to list them
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin *os.File, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "hash":
		err = runHash(args[1:], stdin, stdout)
	case "issue":
		err = runIssue(args[1:], stdout)
	case "inspect":
		err = runInspect(args[1:], stdout)
	case "migrate":
		err = runMigrate(args[1:], stdout)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "authctl %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func runHash(args []string, stdin *os.File, stdout io.Writer) error {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	scheme := fs.String("scheme", password.SchemeArgon2id, "argon2id or sha256")
	if err := fs.Parse(args); err != nil {
		return err
	}

	hasher, err := password.New(*scheme)
	if err != nil {
		return err
	}
	secret, err := readSecret(stdin, stdout)
	if err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("empty password")
	}
	digest, err := hasher.Hash(secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, digest)
	return nil
}

func readSecret(stdin *os.File, prompt io.Writer) (string, error) {
	fd := int(stdin.Fd())
	if isTerminal(fd) {
		fmt.Fprint(prompt, "Password: ")
		b, err := readPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func runIssue(args []string, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	userID := fs.Int64("user-id", 0, "user id (required)")
	username := fs.String("username", "", "username (required)")
	lifetime := fs.Duration("lifetime", cfg.Auth.TokenLifetime, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 || *username == "" {
		return fmt.Errorf("-user-id and -username are required")
	}
	if *lifetime <= 0 {
		return fmt.Errorf("-lifetime must be > 0")
	}

	codec, err := token.NewCodec(cfg.Auth.TokenSecret)
	if err != nil {
		return err
	}
	tok, err := codec.Issue(*userID, *username, time.Now(), *lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	return nil
}

func runInspect(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one token argument")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	codec, err := token.NewCodec(cfg.Auth.TokenSecret)
	if err != nil {
		return err
	}

	claims, err := codec.Parse(args[0])
	if err != nil {
		return err
	}
	_, verifyErr := codec.Verify(args[0], time.Now())

	out := struct {
		token.Claims
		IssuedAtUTC  string `json:"issued_at"`
		ExpiresAtUTC string `json:"expires_at"`
		Expired      bool   `json:"expired"`
	}{
		Claims:       claims,
		IssuedAtUTC:  time.Unix(claims.IssuedAt, 0).UTC().Format(time.RFC3339),
		ExpiresAtUTC: time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339),
		Expired:      verifyErr != nil,
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runMigrate(args []string, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if len(args) > 0 && args[0] == "status" {
		status, err := migrations.StatusOf(ctx, db)
		if err != nil {
			return err
		}
		for _, s := range status {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Fprintf(stdout, "%-8s %s %s\n", state, s.Name, s.Checksum[:12])
		}
		return nil
	}

	if err := migrations.Run(ctx, db); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "migrations applied")
	return nil
}
