// Command waitfordeps blocks until the configured Postgres and Redis
// instances answer, so integration runs do not race container startup.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const pollInterval = 2 * time.Second

type probe struct {
	name string
	ping func(ctx context.Context) error
	stop func() error
}

func main() {
	os.Exit(run(os.Stdout, os.Stderr))
}

func run(stdout, stderr io.Writer) int {
	timeout := 60 * time.Second
	if raw := os.Getenv("WAIT_FOR_DEPS_TIMEOUT_SEC"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			fmt.Fprintf(stderr, "invalid WAIT_FOR_DEPS_TIMEOUT_SEC: %q\n", raw)
			return 2
		}
		timeout = time.Duration(secs) * time.Second
	}

	probes, err := probesFromEnv()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer func() {
		for _, p := range probes {
			_ = p.stop()
		}
	}()

	for _, p := range probes {
		if err := waitFor(p, timeout); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "%s ready\n", p.name)
	}
	return 0
}

func probesFromEnv() ([]probe, error) {
	var probes []probe

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		probes = append(probes, probe{name: "postgres", ping: db.PingContext, stop: db.Close})
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		probes = append(probes, probe{
			name: "redis",
			ping: func(ctx context.Context) error { return client.Ping(ctx).Err() },
			stop: client.Close,
		})
	}

	if len(probes) == 0 {
		return nil, fmt.Errorf("set TEST_POSTGRES_DSN, DATABASE_URL or REDIS_URL")
	}
	return probes, nil
}

func waitFor(p probe, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		err := p.ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not ready within %s: %w", p.name, timeout, err)
		}
		time.Sleep(pollInterval)
	}
}
