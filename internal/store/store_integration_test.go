package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/prospector/internal/research"
	"github.com/mohammad-safakhou/prospector/internal/store"
)

func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("prospector"),
		tcPostgres.WithUsername("prospector"),
		tcPostgres.WithPassword("prospector"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://prospector:prospector@%s:%s/prospector?sslmode=disable", host, port.Port())
	if err := store.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.DB.Close()

	if err := st.CreateUser(ctx, "dev@example.com", "hash"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	userID, hash, err := st.GetUserByEmail(ctx, "dev@example.com")
	if err != nil || hash != "hash" {
		t.Fatalf("get user: %v (hash %q)", err, hash)
	}

	if err := st.CreateUser(ctx, "other@example.com", "hash"); err != nil {
		t.Fatalf("create second user: %v", err)
	}
	otherID, _, err := st.GetUserByEmail(ctx, "other@example.com")
	if err != nil {
		t.Fatalf("get second user: %v", err)
	}

	taskID, err := st.CreateTask(ctx, store.Task{
		UserID:        userID,
		Subject:       "Acme Corp",
		Prompt:        "Map the corporate structure.",
		EntityTypeIDs: []string{"company", "person"},
		LinkTypeIDs:   []string{"subsidiary_of"},
		CronSpec:      "@daily",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, ok, err := st.GetTask(ctx, taskID, userID)
	if err != nil || !ok {
		t.Fatalf("get task: %v (ok %v)", err, ok)
	}
	if len(task.EntityTypeIDs) != 2 || task.EntityTypeIDs[1] != "person" {
		t.Fatalf("entity type ids did not round trip: %+v", task.EntityTypeIDs)
	}

	if _, ok, err := st.GetTask(ctx, taskID, otherID); err != nil || ok {
		t.Fatalf("task visible to wrong user (ok %v, err %v)", ok, err)
	}

	scheduled, err := st.ListScheduledTasks(ctx)
	if err != nil || len(scheduled) != 1 {
		t.Fatalf("scheduled tasks: %v (n %d)", err, len(scheduled))
	}

	runID, err := st.CreateRun(ctx, taskID, store.RunStatusRunning)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	res := research.Result{
		RunID:      runID,
		TaskID:     taskID,
		Subject:    "Acme Corp",
		Status:     research.StatusCompleted,
		Iterations: 2,
		Tokens:     800,
		Cost:       0.1,
		Suggestion: "Check the 2003 spin-off.",
		Proposals: []research.EntityProposal{
			{Entity: research.EntitySummary{LocalID: "e1", Name: "Acme Corp", EntityTypeIDs: []string{"company"}}},
		},
	}
	if err := st.SaveRunResult(ctx, runID, res); err != nil {
		t.Fatalf("save run result: %v", err)
	}

	run, ok, err := st.GetRunForUser(ctx, runID, userID)
	if err != nil || !ok {
		t.Fatalf("get run: %v (ok %v)", err, ok)
	}
	if run.Status != store.RunStatusCompleted || run.FinishedAt == nil || run.Iterations != 2 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(run.Proposals) == 0 {
		t.Fatalf("expected proposals payload")
	}

	if _, ok, _ := st.GetRunForUser(ctx, runID, otherID); ok {
		t.Fatalf("run visible to wrong user")
	}

	runs, err := st.ListRuns(ctx, taskID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %v (n %d)", err, len(runs))
	}

	ts, err := st.LatestRunTime(ctx, taskID)
	if err != nil || ts == nil {
		t.Fatalf("latest run time: %v (ts %v)", err, ts)
	}
}
