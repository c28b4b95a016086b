package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/eduardoromerom/NessJewerly/internal/adapter/identity"
	"github.com/eduardoromerom/NessJewerly/internal/adapter/storage"
	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
	"github.com/eduardoromerom/NessJewerly/internal/core/service"
	"github.com/eduardoromerom/NessJewerly/internal/port"
)

func main() {
	driver := pflag.String("store", "sqlite", "backing store: memory, sqlite or mysql")
	mysqlDSN := pflag.String("mysql-dsn", "root:root@tcp(localhost:3306)/inventory?parseTime=true", "MySQL data source name")
	initialStock := pflag.Int64("stock", 20, "initial quantity of the item")
	totalRequests := pflag.Int("requests", 50, "concurrent outbound movements of one unit")
	pflag.Parse()

	ctx := context.Background()
	store, cleanup, err := openStore(ctx, *driver, *mysqlDSN)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", *driver, err)
	}
	defer cleanup()

	gate := service.NewSessionGate(identity.NewAnonymousProvider("stress"), store, service.SessionGateConfig{Where: "stress_test"}, nil)
	ledger := service.NewStockLedger(store, gate, service.LedgerConfig{MaxAttempts: 200}, nil)

	// Fresh item per run so repeated runs on a shared store stay independent.
	itemKey := "stress-" + uuid.NewString()[:8]
	if err := store.WriteDocument(ctx, "items", itemKey, domain.Item{
		Key:      itemKey,
		SKU:      itemKey,
		Name:     "stress item",
		Quantity: *initialStock,
	}.Fields(), domain.WriteReplace); err != nil {
		log.Fatalf("failed to seed item: %v", err)
	}

	// Counters
	var successCount, rejectCount, errorCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.Apply(ctx, service.ApplyRequest{
				ItemKey:        itemKey,
				Direction:      domain.Outbound,
				Quantity:       1,
				IdempotencyKey: fmt.Sprintf("%s-%d", itemKey, n),
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejectCount.Add(1)
			default:
				errorCount.Add(1)
				log.Printf("request %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	success, rejected, failed := successCount.Load(), rejectCount.Load(), errorCount.Load()
	wantSuccess := min(int64(*totalRequests), *initialStock)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", *driver)
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Accepted:         %d\n", success)
	fmt.Printf("Rejected:         %d\n", rejected)
	fmt.Printf("Errors:           %d\n", failed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	ok := true
	if int64(success) != wantSuccess || failed != 0 {
		fmt.Printf("FAIL: expected %d accepted and no errors, got %d/%d\n", wantSuccess, success, failed)
		ok = false
	} else {
		fmt.Printf("PASS: exactly %d movements accepted\n", success)
	}

	doc, err := store.ReadDocument(ctx, "items", itemKey)
	if err != nil || doc == nil {
		log.Fatalf("failed to read item: %v", err)
	}
	final, _ := doc.Fields.Int64(domain.FieldQuantity)
	movements, err := ledger.Movements(ctx, itemKey, 0)
	if err != nil {
		log.Fatalf("failed to list movements: %v", err)
	}
	fmt.Printf("Final Quantity:   %d\n", final)
	fmt.Printf("Movements:        %d\n", len(movements))

	if final != *initialStock-int64(success) || final < 0 || len(movements) != int(success) {
		fmt.Printf("FAIL: ledger does not add up (quantity %d, movements %d)\n", final, len(movements))
		ok = false
	} else {
		fmt.Println("PASS: quantity and ledger agree")
	}
	if !ok {
		os.Exit(1)
	}
}

func openStore(ctx context.Context, driver, dsn string) (port.DocumentStore, func(), error) {
	switch driver {
	case "memory":
		return storage.NewMemoryStore(nil), func() {}, nil
	case "sqlite":
		dir, err := os.MkdirTemp("", "inventory-stress")
		if err != nil {
			return nil, nil, err
		}
		store, err := storage.OpenSQLiteStore(storage.SQLiteConfig{Path: filepath.Join(dir, "stress.db")})
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		return store, func() {
			store.Close()
			os.RemoveAll(dir)
		}, nil
	case "mysql":
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := storage.NewMySQLStore(db, storage.MySQLOptions{})
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", driver)
}
