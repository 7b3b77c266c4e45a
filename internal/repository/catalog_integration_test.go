package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/practice-measure-engine/internal/database"
	"github.com/practice-measure-engine/internal/domain"
)

// generateTestPassword creates a random password for test databases
func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupTestDB(t *testing.T) (*database.DB, string, func()) {
	if os.Getenv("MEASURE_ENGINE_INTEGRATION") == "" {
		t.Skip("set MEASURE_ENGINE_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()
	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := domain.DatabaseConfig{
		Host:            host,
		Port:            port.Int(),
		Database:        "testdb",
		Username:        "testuser",
		Password:        testPassword,
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.NewConnection(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}

	databaseURL := database.ConnectionURL(cfg)
	migrationRunner, err := database.NewMigrationRunner(databaseURL, "../../migrations", logger)
	if err != nil {
		t.Fatalf("Failed to create migration runner: %v", err)
	}

	if err := migrationRunner.Up(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		migrationRunner.Close()
		db.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}

	return db, databaseURL, cleanup
}

func seedMeasure(t *testing.T, db *database.DB, name string, measureType domain.MeasureType, formula string, deps []string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	var formulaArg interface{}
	if formula != "" {
		formulaArg = formula
	}
	_, err := db.Pool.Exec(context.Background(), `
		INSERT INTO measures (id, name, type, formula, dependencies, decimal_places, active)
		VALUES ($1, $2, $3, $4, $5, 1, TRUE)`,
		id, name, string(measureType), formulaArg, deps)
	if err != nil {
		t.Fatalf("Failed to seed measure %s: %v", name, err)
	}
	return id
}

func TestCatalogRepository_FindCalculatedDefinitions(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewCatalogRepository(db.Pool, logger)

	seedMeasure(t, db, "weight", domain.NUMERIC, "", nil)
	seedMeasure(t, db, "height", domain.NUMERIC, "", nil)
	seedMeasure(t, db, "bmi", domain.CALCULATED,
		"{weight}/(({height}/100)*({height}/100))", []string{"weight", "height"})

	defs, err := repo.FindCalculatedDefinitions(context.Background())
	if err != nil {
		t.Fatalf("Failed to list calculated definitions: %v", err)
	}

	if len(defs) != 1 {
		t.Fatalf("Expected 1 calculated definition, got %d", len(defs))
	}
	if defs[0].Name != "bmi" {
		t.Errorf("Expected name bmi, got %s", defs[0].Name)
	}
	if len(defs[0].DeclaredDependencies) != 2 {
		t.Errorf("Expected 2 declared dependencies, got %d", len(defs[0].DeclaredDependencies))
	}
}

func TestCatalogRepository_FindByNameAndID(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewCatalogRepository(db.Pool, logger)

	id := seedMeasure(t, db, "weight", domain.NUMERIC, "", nil)

	ctx := context.Background()
	byName, err := repo.FindDefinitionByName(ctx, "weight")
	if err != nil {
		t.Fatalf("Failed to get measure by name: %v", err)
	}
	if byName.ID != id {
		t.Errorf("Expected ID %s, got %s", id, byName.ID)
	}

	byID, err := repo.FindDefinitionByID(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get measure by ID: %v", err)
	}
	if byID.Name != "weight" {
		t.Errorf("Expected name weight, got %s", byID.Name)
	}

	_, err = repo.FindDefinitionByName(ctx, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCatalogRepository_UpdateFormula(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	repo := NewCatalogRepository(db.Pool, logger)

	seedMeasure(t, db, "weight", domain.NUMERIC, "", nil)
	id := seedMeasure(t, db, "double_weight", domain.CALCULATED, "{weight}*2", []string{"weight"})

	ctx := context.Background()
	if err := repo.UpdateFormula(ctx, id, "{weight}*3", []string{"weight"}, 2); err != nil {
		t.Fatalf("Failed to update formula: %v", err)
	}

	updated, err := repo.FindDefinitionByID(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get updated measure: %v", err)
	}
	if updated.Formula != "{weight}*3" {
		t.Errorf("Expected formula {weight}*3, got %s", updated.Formula)
	}
	if updated.DecimalPlaces != 2 {
		t.Errorf("Expected 2 decimal places, got %d", updated.DecimalPlaces)
	}

	// Raw measures are not editable through this path.
	rawID := seedMeasure(t, db, "height", domain.NUMERIC, "", nil)
	err = repo.UpdateFormula(ctx, rawID, "{weight}", []string{"weight"}, 1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for non-calculated measure, got %v", err)
	}
}

func TestPostgresMeasurementStore_RoundTrip(t *testing.T) {
	db, databaseURL, cleanup := setupTestDB(t)
	defer cleanup()

	store, err := NewPostgresMeasurementStoreFromURL(databaseURL)
	if err != nil {
		t.Fatalf("Failed to create measurement store: %v", err)
	}
	defer store.Close()

	weightID := seedMeasure(t, db, "weight", domain.NUMERIC, "", nil)
	patient := uuid.New()
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	ctx := context.Background()
	m := &domain.Measurement{PatientID: patient, MeasureID: weightID, MeasuredAt: at, Value: 80}
	if err := store.Upsert(ctx, m); err != nil {
		t.Fatalf("Failed to upsert measurement: %v", err)
	}
	firstID := m.ID

	// Same key upserts in place.
	m.Value = 81
	if err := store.Upsert(ctx, m); err != nil {
		t.Fatalf("Failed to re-upsert measurement: %v", err)
	}
	if m.ID != firstID {
		t.Errorf("Expected upsert to keep row id %d, got %d", firstID, m.ID)
	}

	got, err := store.FindExactAt(ctx, patient, weightID, at)
	if err != nil {
		t.Fatalf("Failed to find measurement: %v", err)
	}
	if got == nil || got.Value != 81 {
		t.Fatalf("Expected value 81, got %+v", got)
	}

	patients, err := store.FindPatientsWithDependencies(ctx, []uuid.UUID{weightID})
	if err != nil {
		t.Fatalf("Failed to find patients: %v", err)
	}
	if len(patients) != 1 || patients[0] != patient {
		t.Errorf("Expected patient %s, got %v", patient, patients)
	}
}
