package audit

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/zorgspace/slashbot-web/internal/database"
)

// Open connects the Postgres mirror and applies pending migrations. Without
// a URL, or when the database cannot be reached, it returns Nop so the
// service keeps running on the ledger alone. The returned func drains the
// queue and closes the pool.
func Open(ctx context.Context, databaseURL string) (Sink, func()) {
	if databaseURL == "" {
		log.Info().Msg("DATABASE_URL not set, audit mirror disabled")
		return Nop{}, func() {}
	}

	if err := database.RunMigrations(databaseURL); err != nil {
		log.Warn().Err(err).Msg("Audit migrations failed, audit mirror disabled")
		return Nop{}, func() {}
	}

	db, err := database.New(ctx, databaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("Audit database unreachable, audit mirror disabled")
		return Nop{}, func() {}
	}

	w := NewWriter(db.Pool, DefaultQueueSize)
	return w, func() {
		w.Close()
		db.Close()
	}
}
