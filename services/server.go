package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/krshsl/praxis/proctor/repository"
	"github.com/krshsl/praxis/proctor/storage"
	ws "github.com/krshsl/praxis/proctor/websocket"
)

// Server holds all server dependencies
type Server struct {
	config    *Config
	db        *gorm.DB
	pool      *pgxpool.Pool
	repo      *repository.GORMRepository
	auditRepo *repository.AuditRepository
	rdb       *redis.Client

	store    storage.ObjectStore
	memStore *storage.MemoryStore
	wsHub    *ws.Hub

	tokens    *TokenService
	rooms     *RoomTokens
	questions *QuestionSource
	audit     *AuditEmitter
	evaluator *Evaluator
	sweeper   *Sweeper

	authService        *AuthService
	authEndpoints      *AuthEndpoints
	sessionEndpoints   *SessionEndpoints
	voiceEndpoints     *VoiceEndpoints
	recordingEndpoints *RecordingEndpoints
	reviewEndpoints    *ReviewEndpoints
}

// NewServer creates a new server instance
func NewServer(config *Config) *Server {
	return &Server{config: config}
}

// NewLogger builds the process logger: tint for text output, JSON otherwise.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// OpenDatabase connects a pgx pool and hands it to gorm.
func OpenDatabase(ctx context.Context, cfg DatabaseConfig) (*gorm.DB, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, nil, errors.New("database url is not configured")
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(cfg.LogLevel)),
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	slog.Info("Connected to database")
	return db, pool, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}

// SetDatabase sets the database connection. pool may be nil when db is not
// backed by pgx, e.g. in tests.
func (s *Server) SetDatabase(db *gorm.DB, pool *pgxpool.Pool) {
	s.db = db
	s.pool = pool
	s.repo = repository.NewGORMRepository(db)
	s.auditRepo = repository.NewAuditRepository(db)
}

// Repository exposes the store for CLI commands.
func (s *Server) Repository() *repository.GORMRepository {
	return s.repo
}

// InitializeServices initializes all server services. The relay hub runs
// until ctx is done.
func (s *Server) InitializeServices(ctx context.Context) error {
	if s.repo == nil {
		return errors.New("database is not configured")
	}

	if s.config.Redis.URL != "" {
		opts, err := redis.ParseURL(s.config.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		s.rdb = redis.NewClient(opts)
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("Redis relay fan-out enabled")
	}

	if err := s.initStorage(); err != nil {
		return err
	}

	secret := s.config.JWT.Secret
	if secret == "" {
		generated, err := generateSecureToken()
		if err != nil {
			return fmt.Errorf("failed to generate jwt secret: %w", err)
		}
		secret = generated
		slog.Warn("JWT secret not configured, using an ephemeral secret")
	}

	var scorer Scorer
	if s.config.AI.GeminiAPIKey != "" {
		gemini, err := NewGeminiScorer(ctx, s.config.AI.GeminiAPIKey, s.config.AI.GeminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini scorer, using heuristic", "error", err)
		} else {
			scorer = gemini
			slog.Info("Gemini scorer initialized", "model", s.config.AI.GeminiModel)
		}
	}

	s.tokens = NewTokenService(s.repo, s.config.Interview.TokenTTL)
	s.rooms = NewRoomTokens(secret, s.config.Voice.TokenTTL)
	s.questions = NewQuestionSource(s.repo)
	s.audit = NewAuditEmitter(s.auditRepo)
	s.evaluator = NewEvaluator(s.repo, s.questions, scorer, s.audit)
	s.sweeper = NewSweeper(s.repo, s.evaluator, s.config.Sweeper.Schedule, s.config.Sweeper.Grace)

	s.wsHub = ws.NewHub(s.rdb)
	s.wsHub.OnJoin = func(c *ws.Client) { relayConnections.WithLabelValues(string(c.Role)).Inc() }
	s.wsHub.OnLeave = func(c *ws.Client) { relayConnections.WithLabelValues(string(c.Role)).Dec() }
	if err := s.wsHub.Start(ctx); err != nil {
		return err
	}

	s.authService = NewAuthService(s.repo, secret)
	s.authEndpoints = NewAuthEndpoints(s.authService)
	s.sessionEndpoints = NewSessionEndpoints(s.repo, s.questions, s.audit, s.config.Interview.AnswerBudget)
	s.voiceEndpoints = NewVoiceEndpoints(s.repo, s.rooms, s.wsHub, s.config.Voice.WSURL, s.config.Agent.APIKey, s.config.WebSocket.AllowedOrigins)
	s.recordingEndpoints = NewRecordingEndpoints(s.repo, s.store, s.audit, s.evaluator, s.config.Storage.MaxRelayBytes)
	s.reviewEndpoints = NewReviewEndpoints(s.repo, s.auditRepo, s.authService, s.evaluator, s.audit)
	return nil
}

func (s *Server) initStorage() error {
	cfg := s.config.Storage
	if cfg.Bucket == "" {
		s.memStore = storage.NewMemoryStore(strings.TrimSuffix(s.config.Server.PublicURL, "/") + "/storage")
		s.store = s.memStore
		slog.Warn("Storage bucket not configured, recordings are kept in memory")
		return nil
	}
	store, err := storage.NewS3Store(storage.S3Config{
		Endpoint:      cfg.Endpoint,
		Region:        cfg.Region,
		Bucket:        cfg.Bucket,
		AccessKey:     cfg.AccessKey,
		SecretKey:     cfg.SecretKey,
		PublicBaseURL: cfg.PublicBaseURL,
		PresignTTL:    cfg.PresignTTL,
		UsePathStyle:  cfg.UsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}
	s.store = store
	slog.Info("Object storage initialized", "bucket", cfg.Bucket)
	return nil
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if origins := splitOrigins(s.config.CORS.AllowedOrigins); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Agent-Key"},
			AllowCredentials: true,
		}))
	}
	r.Use(MetricsMiddleware)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", MetricsHandler())
	r.Get("/rooms/ws", s.voiceEndpoints.RelayHandler)
	if s.memStore != nil {
		r.Handle("/storage/*", http.StripPrefix("/storage/", s.memStore))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.apiV1Handler)

		r.Route("/interviews/{token}", func(r chi.Router) {
			r.Use(s.tokens.RequireInterviewToken)
			r.Get("/", s.validateHandler)
			s.sessionEndpoints.RegisterRoutes(r)
			s.voiceEndpoints.RegisterRoutes(r)
			s.recordingEndpoints.RegisterRoutes(r)
		})

		s.voiceEndpoints.RegisterAgentRoutes(r, s.tokens)
		s.authEndpoints.RegisterRoutes(r)
		s.reviewEndpoints.RegisterRoutes(r)
	})

	return r
}

// Run serves HTTP and the sweeper until ctx is done, then drains background
// work.
func (s *Server) Run(ctx context.Context) error {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.sweeper.Start(); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})
	err := g.Wait()

	s.sweeper.Stop()
	s.evaluator.Wait()
	s.audit.Wait()
	slog.Info("Server exited")
	return err
}

// Close releases external connections.
func (s *Server) Close() {
	if s.rdb != nil {
		s.rdb.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// CheckOrigin validates the origin of WebSocket connections to prevent CSRF attacks
func CheckOrigin(r *http.Request, allowedOriginsStr string) bool {
	origin := r.Header.Get("Origin")

	if allowedOriginsStr == "" {
		slog.Warn("WebSocket connection rejected: no allowed origins configured", "origin", origin)
		return false
	}

	for _, allowed := range splitOrigins(allowedOriginsStr) {
		if allowed == origin {
			slog.Debug("WebSocket connection accepted", "origin", origin)
			return true
		}
	}

	slog.Warn("WebSocket connection rejected: origin not allowed", "origin", origin, "allowed_origins", allowedOriginsStr)
	return false
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbStatus := "up"
	if err := s.repo.Ping(r.Context()); err != nil {
		dbStatus = "down"
		status = "degraded"
	}
	redisStatus := "not configured"
	if s.rdb != nil {
		redisStatus = "up"
		if err := s.rdb.Ping(r.Context()).Err(); err != nil {
			redisStatus = "down"
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
		"redis":    redisStatus,
	})
}

func (s *Server) apiV1Handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "API v1", "version": "1.0.0"})
}

// validateHandler only runs for tokens RequireInterviewToken accepted.
func (s *Server) validateHandler(w http.ResponseWriter, r *http.Request) {
	tok := interviewTokenFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"expires_at": tok.ExpiresAt,
		"candidate":  tok.Candidate,
	})
}

// IssueToken mints an interview token for the CLI.
func (s *Server) IssueToken(ctx context.Context, email, name string, packID *string) (string, time.Time, error) {
	tokens := NewTokenService(s.repo, s.config.Interview.TokenTTL)
	record, err := tokens.Issue(ctx, email, name, packID)
	if err != nil {
		return "", time.Time{}, err
	}
	return record.Token, record.ExpiresAt, nil
}

// Seed runs the demo seeder.
func (s *Server) Seed(ctx context.Context) error {
	secret := s.config.JWT.Secret
	if secret == "" {
		secret = "seed"
	}
	return NewDatabaseSeeder(s.repo, NewAuthService(s.repo, secret)).SeedDatabase(ctx)
}
