// Command seed loads demo accounts, favorite locations and announcements into
// the postgres backend so a fresh deployment has a populated dashboard. It
// goes through the same service layers as the HTTP surface, so every insert
// is published to the change topic.
//
// Usage:
//
//	BACKEND=postgres DATABASE_URL=... go run ./cmd/seed \
//	  -fixture data/seed.json
//
// Without -fixture a built-in demo set is loaded. Accounts that already
// exist are signed in instead of created.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	kafkaadapter "github.com/couchcryptid/storm-alert-service/internal/adapter/kafka"
	"github.com/couchcryptid/storm-alert-service/internal/adapter/postgres"
	"github.com/couchcryptid/storm-alert-service/internal/auth"
	"github.com/couchcryptid/storm-alert-service/internal/config"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/couchcryptid/storm-alert-service/internal/identity"
	"github.com/couchcryptid/storm-alert-service/internal/notify"
	"github.com/couchcryptid/storm-alert-service/internal/observability"
	"github.com/couchcryptid/storm-alert-service/internal/places"
	"github.com/couchcryptid/storm-alert-service/internal/realtime"
	"github.com/jonboulle/clockwork"
)

type seedUser struct {
	Email     string                    `json:"email"`
	Password  string                    `json:"password"`
	Favorites []domain.FavoriteLocation `json:"favorites"`
}

type fixture struct {
	Users         []seedUser            `json:"users"`
	Announcements []domain.Announcement `json:"announcements"`
}

var demo = fixture{
	Users: []seedUser{
		{
			Email:    "jane@example.com",
			Password: "Storm123!",
			Favorites: []domain.FavoriteLocation{
				{LocationName: "Home", Latitude: 35.4676, Longitude: -97.5164},
				{LocationName: "Office", Latitude: 35.2226, Longitude: -97.4395},
			},
		},
		{
			Email:    "omar@example.com",
			Password: "Storm123!",
			Favorites: []domain.FavoriteLocation{
				{LocationName: "Cabin", Latitude: 39.7392, Longitude: -104.9903},
			},
		},
	},
	Announcements: []domain.Announcement{
		{Title: "Welcome", Content: "Severe weather alerts and SOS are now live in your area.", Type: domain.AnnouncementInfo},
		{Title: "Tornado season", Content: "Review your shelter plan and keep your favorite locations up to date.", Type: domain.AnnouncementWarning},
	},
}

func main() {
	fixturePath := flag.String("fixture", "", "JSON file with users and announcements (default: built-in demo set)")
	flag.Parse()

	if err := run(*fixturePath); err != nil {
		slog.Error("seed failed", "error", err)
		os.Exit(1)
	}
}

func run(fixturePath string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Backend != config.BackendPostgres {
		return fmt.Errorf("seeding requires BACKEND=%s", config.BackendPostgres)
	}
	data := demo
	if fixturePath != "" {
		if data, err = loadFixture(fixturePath); err != nil {
			return err
		}
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()
	ctx := context.Background()

	writer := kafkaadapter.NewWriter(cfg, logger, metrics)
	defer writer.Close()
	db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{
		Publisher: writer,
		Timeout:   cfg.BackendTimeout,
		Clock:     clock,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	store := fallback.NewMemory()
	shadow := fallback.NewShadow(store, logger, metrics)
	users := identity.NewUsers(auth.New(db, store, auth.Options{Secret: cfg.JWTSecret, Clock: clock, Logger: logger}), db, clock, logger)
	defer users.Close()
	broadcaster := notify.NewBroadcaster(db, clock, logger)
	// The hub has no subscribers; it only satisfies the realtime dependency.
	svc := places.New(db, realtime.NewHub(logger, metrics), shadow, broadcaster, clock, logger)

	for _, u := range data.Users {
		if err := seedAccount(ctx, users, svc, u, logger); err != nil {
			return err
		}
	}
	for _, a := range data.Announcements {
		stored, sent, err := svc.CreateAnnouncement(ctx, a)
		if err != nil {
			return fmt.Errorf("announcement %q: %w", a.Title, err)
		}
		logger.Info("announcement seeded", "id", stored.ID, "recipients", sent)
	}
	logger.Info("seed complete", "users", len(data.Users), "announcements", len(data.Announcements))
	return nil
}

func seedAccount(ctx context.Context, users *identity.Users, svc *places.Service, u seedUser, logger *slog.Logger) error {
	if _, err := users.SignUp(ctx, u.Email, u.Password); err != nil && !errors.Is(err, domain.ErrAccountExists) {
		return fmt.Errorf("sign up %s: %w", u.Email, err)
	}
	sess, err := users.SignIn(ctx, u.Email, u.Password)
	if err != nil {
		return fmt.Errorf("sign in %s: %w", u.Email, err)
	}
	defer users.SignOut(ctx, sess.Session.AccessToken) //nolint:errcheck // session is throwaway

	existing, err := svc.Favorites(ctx, sess.Principal.ID)
	if err != nil {
		return err
	}
	for _, fav := range u.Favorites {
		if hasFavorite(existing.Value, fav.LocationName) {
			continue
		}
		res, err := svc.AddFavorite(ctx, sess.Principal.ID, fav)
		if err != nil {
			return fmt.Errorf("favorite %q for %s: %w", fav.LocationName, u.Email, err)
		}
		if res.Degraded {
			return fmt.Errorf("favorite %q for %s: %w", fav.LocationName, u.Email, domain.ErrBackendUnavailable)
		}
	}
	logger.Info("user seeded", "user_id", sess.Principal.ID, "favorites", len(u.Favorites))
	return nil
}

func hasFavorite(list []domain.FavoriteLocation, name string) bool {
	for _, f := range list {
		if f.LocationName == name {
			return true
		}
	}
	return false
}

func loadFixture(path string) (fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	var f fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}
