package security

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaygate/internal/config"
	"relaygate/internal/domain"
)

// fakeLister is an in-memory EntryLister.
type fakeLister struct {
	entries []domain.WhitelistEntry
	err     error
	calls   int
}

func (f *fakeLister) ListWhitelistEntries(ctx context.Context) ([]domain.WhitelistEntry, error) {
	f.calls++
	return f.entries, f.err
}

func writeSecret(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whitelist.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStoreSource_GroupsByDimension(t *testing.T) {
	src := NewStoreSource(&fakeLister{entries: []domain.WhitelistEntry{
		{Dimension: domain.DimensionTeam, Value: "T1"},
		{Dimension: domain.DimensionChannel, Value: "C1"},
		{Dimension: domain.DimensionChannel, Value: "C2"},
	}})
	cfg, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.TeamIDs) != 1 || len(cfg.ChannelIDs) != 2 || len(cfg.UserIDs) != 0 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestStoreSource_EmptyIsUnavailable(t *testing.T) {
	_, err := NewStoreSource(&fakeLister{}).Load(context.Background())
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestSecretFileSource_YAMLAndJSON(t *testing.T) {
	yamlPath := writeSecret(t, "team_ids: [T1]\nchannel_ids:\n  - C1\n  - C2\n")
	cfg, err := NewSecretFileSource(yamlPath).Load(context.Background())
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if _, ok := cfg.ChannelIDs["C2"]; !ok || len(cfg.TeamIDs) != 1 {
		t.Fatalf("unexpected yaml config: %+v", cfg)
	}

	jsonPath := writeSecret(t, `{"user_ids": ["U1"]}`)
	cfg, err = NewSecretFileSource(jsonPath).Load(context.Background())
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if _, ok := cfg.UserIDs["U1"]; !ok {
		t.Fatalf("unexpected json config: %+v", cfg)
	}
}

func TestSecretFileSource_MissingFileIsUnavailable(t *testing.T) {
	_, err := NewSecretFileSource("/nonexistent/whitelist.yaml").Load(context.Background())
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestSecretFileSource_InvalidDocument(t *testing.T) {
	path := writeSecret(t, "team_ids: {not: [a list")
	_, err := NewSecretFileSource(path).Load(context.Background())
	if err == nil || errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestStaticSource_EmptyStillYields(t *testing.T) {
	cfg, err := NewStaticSource(&config.StaticWhitelist{}).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsEmpty() {
		t.Fatal("expected empty whitelist")
	}

	if _, err := NewStaticSource(nil).Load(context.Background()); !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("nil static should be unavailable, got %v", err)
	}
}

// --- Loader ---

func TestLoader_FallsThroughInOrder(t *testing.T) {
	primary := &fakeLister{err: errors.New("database is locked")}
	secret := writeSecret(t, "channel_ids: [C-secret]")
	loader := NewWhitelistLoader([]WhitelistSource{
		NewStoreSource(primary),
		NewSecretFileSource(secret),
		NewStaticSource(&config.StaticWhitelist{ChannelIDs: []string{"C-static"}}),
	}, time.Minute, nil, testLogger())

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != "secret" {
		t.Fatalf("expected secret source, got %q", cfg.Source)
	}
}

func TestLoader_StaticLastResort(t *testing.T) {
	loader := NewWhitelistLoader([]WhitelistSource{
		NewStoreSource(&fakeLister{}),
		NewSecretFileSource(""),
		NewStaticSource(&config.StaticWhitelist{UserIDs: []string{"U1"}}),
	}, time.Minute, nil, testLogger())

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != "static" {
		t.Fatalf("expected static source, got %q", cfg.Source)
	}
}

func TestLoader_AllSourcesFail(t *testing.T) {
	loader := NewWhitelistLoader([]WhitelistSource{
		NewStoreSource(&fakeLister{err: errors.New("down")}),
		NewSecretFileSource(""),
		NewStaticSource(nil),
	}, time.Minute, nil, testLogger())

	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error when every source fails")
	}
}

func TestLoader_CachesUntilTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	lister := &fakeLister{entries: []domain.WhitelistEntry{{Dimension: domain.DimensionUser, Value: "U1"}}}
	loader := NewWhitelistLoader([]WhitelistSource{NewStoreSource(lister)}, 5*time.Minute, clock.Now, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := loader.Load(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if lister.calls != 1 {
		t.Fatalf("expected 1 store read, got %d", lister.calls)
	}

	clock.Advance(6 * time.Minute)
	if _, err := loader.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if lister.calls != 2 {
		t.Fatalf("expected reload after TTL, got %d reads", lister.calls)
	}

	loader.Invalidate()
	if _, err := loader.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if lister.calls != 3 {
		t.Fatalf("expected reload after invalidate, got %d reads", lister.calls)
	}
}
