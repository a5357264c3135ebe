package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/api"
	"boardsync/broadcast"
	"boardsync/domain"
	"boardsync/engine"
	"boardsync/storage"
	"boardsync/ws"
)

type dataStore interface {
	engine.Repository
	ws.ProjectRepository
	FetchBoard(ctx context.Context, projectID string) (domain.BoardView, error)
	AddMember(ctx context.Context, projectID, userID string) (domain.Project, error)
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	origins := splitOrigins(os.Getenv("ALLOWED_ORIGINS"))
	if len(origins) == 0 {
		log.Fatal("missing ALLOWED_ORIGINS")
	}

	var store dataStore
	if connStr := os.Getenv("STORAGE_CONNECTION_STRING"); connStr != "" {
		projectsTable := os.Getenv("PROJECTS_TABLE")
		boardsTable := os.Getenv("BOARDS_TABLE")
		columnsTable := os.Getenv("COLUMNS_TABLE")
		cardsTable := os.Getenv("CARDS_TABLE")
		if projectsTable == "" || boardsTable == "" || columnsTable == "" || cardsTable == "" {
			log.Fatal("missing storage table config")
		}
		tables, err := storage.NewTables(connStr, projectsTable, boardsTable, columnsTable, cardsTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		store = tables
	} else {
		log.Warn("STORAGE_CONNECTION_STRING not set, using in-memory store")
		mem := storage.NewMemory()
		if os.Getenv("DEV_SEED") == "1" {
			seedDemo(mem)
		}
		store = mem
	}

	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc = redis.NewClient(redisOptions(redisConn))
	}

	var boards api.BoardFetcher = store
	var evictor broadcast.SnapshotEvictor
	var bridge *broadcast.Bridge
	if rc != nil {
		ttl := 5 * time.Minute
		if v := os.Getenv("BOARD_CACHE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid BOARD_CACHE_TTL: %v", err)
			}
			ttl = d
		}
		cache := storage.NewBoardCache(store, rc, ttl)
		boards = cache
		evictor = cache

		channel := os.Getenv("EVENTS_CHANNEL")
		if channel == "" {
			channel = "boardsync:events"
		}
		bridge = broadcast.NewBridge(rc, channel, logger)
	}

	testMode := os.Getenv("AUTH0_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != ""
	var auth *ws.Auth
	if testMode {
		auth = ws.NewAuth(nil, "", "")
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		domainName := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || domainName == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domainName)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = ws.NewAuth(jwks, jwtAudience, "https://"+domainName+"/")
	}

	registry := ws.NewRegistry()
	router := broadcast.NewRouter(registry, evictor, bridge, logger)
	eng := engine.New(store, router)
	gateway := ws.NewGateway(auth, store, registry, eng, origins, logger)

	if bridge != nil {
		go bridge.Run(context.Background(), registry)
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	e.GET("/ws", gateway.Handle)
	api.Register(e, boards, store, auth, router, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// redisOptions parses a redis URL, falling back to the comma-separated
// "host:port,password=...,ssl=true" connection string form.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// seedDemo loads a small board for local development against the
// in-memory store.
func seedDemo(mem *storage.Memory) {
	now := time.Now().UTC()
	mem.PutProject(domain.Project{ID: "demo", OwnerID: "demo-user", Members: []string{}})
	mem.PutBoard(domain.Board{ID: "demo-board", ProjectID: "demo"})
	mem.PutColumn(domain.Column{ID: "todo", BoardID: "demo-board", Title: "To do", Position: 0, WIPLimit: 0})
	mem.PutColumn(domain.Column{ID: "doing", BoardID: "demo-board", Title: "In progress", Position: 1, WIPLimit: 3})
	mem.PutColumn(domain.Column{ID: "done", BoardID: "demo-board", Title: "Done", Position: 2, WIPLimit: 0})
	mem.PutCard(domain.Card{ID: "card-1", ColumnID: "todo", Position: 0, Title: "Try the board", CreatedAt: now, UpdatedAt: now})
}
