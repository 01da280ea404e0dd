// README: Concurrency tests for order state transitions (run with -race).
package order

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"parcelnet/internal/logging"
	"parcelnet/internal/types"
)

func TestConcurrentShipVsCancel(t *testing.T) {
	for name, repo := range testRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(repo, nil, nil, nil, logging.Discard())
			o, err := svc.Create(ctx, CreateCommand{CustomerID: "c_ship_cancel", Destination: types.Point{Lat: 25.033, Lng: 121.565}})
			if err != nil {
				t.Fatalf("create order: %v", err)
			}

			var wg sync.WaitGroup
			errs := make(chan error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				errs <- svc.MarkShipping(ctx, o.ID, 0)
			}()
			go func() {
				defer wg.Done()
				_, err := svc.Cancel(ctx, CancelCommand{OrderID: o.ID, Reason: "user_cancel"})
				errs <- err
			}()
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
					continue
				}
				if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success < 1 || success > 2 {
				t.Fatalf("expected 1 or 2 successes, got %d", success)
			}

			got, err := svc.Get(ctx, o.ID)
			if err != nil {
				t.Fatalf("get order: %v", err)
			}
			if success == 2 && got.Status != StatusCancelled {
				t.Fatalf("expected cancelled after ship+cancel, got %s", got.Status)
			}
			if success == 1 && got.Status != StatusShipping && got.Status != StatusCancelled {
				t.Fatalf("unexpected final status: %s", got.Status)
			}
		})
	}
}

func TestConcurrentShipSameOrder(t *testing.T) {
	for name, repo := range testRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(repo, nil, nil, nil, logging.Discard())
			o, err := svc.Create(ctx, CreateCommand{CustomerID: "c_multi_ship", Destination: types.Point{Lat: 25.033, Lng: 121.565}})
			if err != nil {
				t.Fatalf("create order: %v", err)
			}

			const attempts = 8
			var wg sync.WaitGroup
			errs := make(chan error, attempts)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(rider int) {
					defer wg.Done()
					errs <- svc.MarkShipping(ctx, o.ID, rider)
				}(i)
			}
			wg.Wait()
			close(errs)

			success := 0
			for err := range errs {
				if err == nil {
					success++
					continue
				}
				if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrInvalidState) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if success != 1 {
				t.Fatalf("expected exactly 1 success, got %d", success)
			}
			got, err := svc.Get(ctx, o.ID)
			if err != nil {
				t.Fatalf("get order: %v", err)
			}
			if got.Status != StatusShipping || got.RiderIndex == nil {
				t.Fatalf("expected shipping with a rider, got %s", got.Status)
			}
		})
	}
}

// testRepositories always includes the in-memory store; the Postgres store
// joins when PARCELNET_TEST_DSN is set.
func testRepositories(t *testing.T) map[string]Repository {
	t.Helper()
	repos := map[string]Repository{"memory": NewMemoryStore()}
	if s := setupTestStore(t); s != nil {
		repos["postgres"] = s
	}
	return repos
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("PARCELNET_TEST_DSN")
	if dsn == "" {
		return nil
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE order_timeline, orders"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewStore(db)
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
