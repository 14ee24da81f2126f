//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/swapflow/db/migrations"
	"github.com/coachpo/swapflow/internal/domain/order"
	"github.com/coachpo/swapflow/internal/domain/orderstore"
	"github.com/coachpo/swapflow/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/swapflow/internal/infra/persistence/postgres"
)

var (
	testStore   *pgstore.Store
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "swapflow"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 0
	if err := initialiseDatabase(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", err)
	} else {
		exitCode = m.Run()
	}

	if testStore != nil {
		testStore.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/swapflow?sslmode=disable", host, port.Port())

	// The port opens before postgres accepts connections.
	var migrateErr error
	for attempt := 0; attempt < 20; attempt++ {
		if migrateErr = migrations.Apply(ctx, dsn, dbmigrations.Files, nil); migrateErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if migrateErr != nil {
		return fmt.Errorf("apply migrations: %w", migrateErr)
	}
	store, err := pgstore.Open(ctx, pgstore.PoolOptions{DSN: dsn, MaxConns: 8})
	if err != nil {
		return err
	}
	testStore = store
	return nil
}

func newOrder(t *testing.T) order.Order {
	t.Helper()
	ord, err := order.New(uuid.NewString(), decimal.RequireFromString("100.5"), time.Now())
	require.NoError(t, err)
	require.NoError(t, testStore.Orders().Create(context.Background(), ord))
	return ord
}

func entry(status order.Status, ts time.Time, msg string) order.LogEntry {
	return order.LogEntry{Status: status, Timestamp: ts, Message: msg}
}

func TestOrderLifecyclePersists(t *testing.T) {
	ctx := context.Background()
	store := testStore.Orders()
	ord := newOrder(t)
	ts := time.Now().UTC()

	steps := []orderstore.Update{
		{Expect: order.StatusPending, Status: order.StatusRouting, Entry: entry(order.StatusRouting, ts, "Finding best route...")},
		{Expect: order.StatusRouting, Status: order.StatusBuilding, Entry: entry(order.StatusBuilding, ts.Add(time.Millisecond), "Quote received: Raydium @ 1.01")},
		{Expect: order.StatusBuilding, Status: order.StatusSubmitted, Entry: entry(order.StatusSubmitted, ts.Add(2*time.Millisecond), "Transaction submitted to network")},
	}
	for _, upd := range steps {
		_, err := store.Update(ctx, ord.ID, upd)
		require.NoError(t, err)
	}

	hash := "0xabc"
	price := decimal.RequireFromString("0.99")
	final, err := store.Update(ctx, ord.ID, orderstore.Update{
		Expect:     order.StatusSubmitted,
		Status:     order.StatusConfirmed,
		TxHash:     &hash,
		FinalPrice: &price,
		Entry:      entry(order.StatusConfirmed, ts.Add(3*time.Millisecond), "Swap confirmed. Final Price: 0.99"),
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, final.Status)
	require.NotNil(t, final.TxHash)
	assert.Equal(t, "0xabc", *final.TxHash)
	require.NotNil(t, final.FinalPrice)
	assert.True(t, final.FinalPrice.Equal(price))

	loaded, err := store.Get(ctx, ord.ID)
	require.NoError(t, err)
	require.Len(t, loaded.ExecutionLogs, 4)
	assert.True(t, loaded.Amount.Equal(decimal.RequireFromString("100.5")))
	for i := 1; i < len(loaded.ExecutionLogs); i++ {
		assert.True(t, loaded.ExecutionLogs[i].Timestamp.After(loaded.ExecutionLogs[i-1].Timestamp))
	}

	_, err = store.Update(ctx, ord.ID, orderstore.Update{Status: order.StatusFailed, Entry: entry(order.StatusFailed, time.Now(), "late")})
	require.ErrorIs(t, err, orderstore.ErrConflict)
}

func TestCreateDuplicateAndMissing(t *testing.T) {
	ctx := context.Background()
	store := testStore.Orders()
	ord := newOrder(t)

	require.ErrorIs(t, store.Create(ctx, ord), orderstore.ErrExists)
	_, err := store.Get(ctx, "missing-"+uuid.NewString())
	require.ErrorIs(t, err, orderstore.ErrNotFound)
	_, err = store.Update(ctx, "missing-"+uuid.NewString(), orderstore.Update{Status: order.StatusRouting, Entry: entry(order.StatusRouting, time.Now(), "x")})
	require.ErrorIs(t, err, orderstore.ErrNotFound)
}

func TestConcurrentCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := testStore.Orders()
	ord := newOrder(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, ord.ID, orderstore.Update{
				Expect: order.StatusPending,
				Status: order.StatusRouting,
				Entry:  entry(order.StatusRouting, time.Now(), "Finding best route..."),
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	loaded, err := store.Get(ctx, ord.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.ExecutionLogs, 1)
}

func TestListFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	store := testStore.Orders()
	failed := newOrder(t)
	_, err := store.Update(ctx, failed.ID, orderstore.Update{
		Expect: order.StatusPending,
		Status: order.StatusRouting,
		Entry:  entry(order.StatusRouting, time.Now(), "Finding best route..."),
	})
	require.NoError(t, err)
	_, err = store.Update(ctx, failed.ID, orderstore.Update{
		Expect: order.StatusRouting,
		Status: order.StatusFailed,
		Entry:  entry(order.StatusFailed, time.Now().Add(time.Millisecond), "Execution error: boom"),
	})
	require.NoError(t, err)

	records, err := store.List(ctx, orderstore.Query{Statuses: []order.Status{order.StatusFailed}, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	for _, rec := range records {
		assert.Equal(t, order.StatusFailed, rec.Status)
	}
}
