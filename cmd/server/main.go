package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/sautiflow/sautiflow/internal/api"
	dbstore "github.com/sautiflow/sautiflow/internal/db"
	"github.com/sautiflow/sautiflow/internal/middleware"
	"github.com/sautiflow/sautiflow/internal/redisstore"
	"github.com/sautiflow/sautiflow/internal/services"
	"github.com/sautiflow/sautiflow/internal/utils"
)

func main() {
	addr := utils.SafeEnv("SAUTI_ADDR", ":8080")

	store, err := openStore()
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	var sessions services.SessionStore
	if utils.SafeEnv("SAUTI_SESSION_BACKEND", "") == "redis" {
		rdb, err := openRedis()
		if err != nil {
			log.Fatalf("open redis: %v", err)
		}
		sessions = redisstore.NewSessionStore(rdb)
		log.Printf("sessions: redis backend")
	}

	mux := http.NewServeMux()
	api.NewRouter(store, sessions, middleware.SignToken).Register(mux)

	handler := middleware.SecureHeaders(middleware.CORS(middleware.WithAuth(mux)))

	log.Printf("sautiflow server listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// openStore selects the persistence backend: sqlite when SAUTI_SQLITE_PATH is
// set, otherwise the in-memory store for local development.
func openStore() (api.Store, error) {
	path := os.Getenv("SAUTI_SQLITE_PATH")
	if path == "" {
		log.Printf("store: in-memory backend (set SAUTI_SQLITE_PATH for persistence)")
		return api.NewMemoryStore(), nil
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := dbstore.RunMigrations(conn, os.Getenv("SAUTI_MIGRATIONS_DIR")); err != nil {
		return nil, err
	}
	log.Printf("store: sqlite backend at %s", path)
	return dbstore.NewStore(conn)
}

func openRedis() (*redis.Client, error) {
	opts, err := redis.ParseURL(utils.SafeEnv("SAUTI_REDIS_URL", "redis://localhost:6379"))
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}
