package roster

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
	"github.com/nerrad567/gray-logic-driverhost/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-driverhost/migrations"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestSQLiteRepository_SaveGetList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	thermo := driver.Spec{
		Moniker: "thermo1",
		Type:    "SIM",
		Enabled: true,
		Params: map[string]any{
			"initial_temp": 19.5,
			"tags":         []any{"hall", "ground"},
		},
	}
	if err := repo.Save(ctx, thermo); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Save(ctx, driver.Spec{Moniker: "plc", Type: "modbus"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := repo.Get(ctx, "THERMO1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Type != "sim" || !got.Enabled {
		t.Errorf("Get() = %+v", got)
	}
	if got.Params["initial_temp"] != 19.5 {
		t.Errorf("Params[initial_temp] = %v", got.Params["initial_temp"])
	}
	if tags, ok := got.Params["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("Params[tags] = %#v", got.Params["tags"])
	}

	var p struct {
		InitialTemp float64 `yaml:"initial_temp"`
	}
	if err := got.DecodeParams(&p); err != nil || p.InitialTemp != 19.5 {
		t.Errorf("DecodeParams() = %+v, %v", p, err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Moniker != "plc" || list[0].Enabled || list[0].Params != nil {
		t.Errorf("List() = %+v", list)
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	repo.Save(ctx, driver.Spec{Moniker: "dev", Type: "sim", Enabled: true})
	if err := repo.Save(ctx, driver.Spec{Moniker: "dev", Type: "sim", Enabled: false}); err != nil {
		t.Fatalf("Save(update) error = %v", err)
	}
	got, _ := repo.Get(ctx, "dev")
	if got.Enabled {
		t.Error("update did not disable the entry")
	}
	if list, _ := repo.List(ctx); len(list) != 1 {
		t.Errorf("update created a second row: %+v", list)
	}
}

func TestSQLiteRepository_Errors(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"save without moniker", repo.Save(ctx, driver.Spec{Type: "sim"}), ErrInvalidEntry},
		{"save without type", repo.Save(ctx, driver.Spec{Moniker: "x"}), ErrInvalidEntry},
		{"delete missing", repo.Delete(ctx, "ghost"), ErrNotFound},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, tt.err, tt.want)
		}
	}
	if _, err := repo.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(ghost) error = %v", err)
	}
}

func TestSeed(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	repo.Save(ctx, driver.Spec{Moniker: "a", Type: "sim", Enabled: false})
	n, err := Seed(ctx, repo, []driver.Spec{
		{Moniker: "a", Type: "sim", Enabled: true},
		{Moniker: "b", Type: "sim", Enabled: true},
	})
	if err != nil || n != 1 {
		t.Fatalf("Seed() = %d, %v; want 1", n, err)
	}
	a, _ := repo.Get(ctx, "a")
	if a.Enabled {
		t.Error("Seed overwrote an existing entry")
	}
}
