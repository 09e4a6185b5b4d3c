package main

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/echotruth/echotruth/internal/analysis"
	"github.com/echotruth/echotruth/internal/auth"
	"github.com/echotruth/echotruth/internal/detection"
	"github.com/echotruth/echotruth/internal/ingest"
	"github.com/echotruth/echotruth/internal/storage"
)

var (
	port           int
	dbPath         string
	tempDir        string
	aiServiceURL   string
	aiMock         bool
	maxUploadMB    int64
	tokenTTLHours  int
	allowedOrigins string
)

func init() {
	flag.IntVar(&port, "port", 8080, "HTTP server port")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("ECHOTRUTH_DB_PATH", "echotruth.sqlite3"), "Path to SQLite database")
	flag.StringVar(&tempDir, "temp", getEnvOrDefault("ECHOTRUTH_TEMP_DIR", "/tmp"), "Temporary directory for ingested audio")
	flag.StringVar(&aiServiceURL, "ai-url", getEnvOrDefault("ECHOTRUTH_AI_URL", "http://localhost:8000"), "Base URL of the voice analyzer service")
	flag.BoolVar(&aiMock, "ai-mock", os.Getenv("ECHOTRUTH_AI_MOCK") == "true", "Always return mock analysis results")
	flag.Int64Var(&maxUploadMB, "max-upload", 50, "Maximum audio size in MB")
	flag.IntVar(&tokenTTLHours, "token-ttl", 24, "JWT lifetime in hours")
	flag.StringVar(&allowedOrigins, "origins", "*", "Comma-separated list of allowed CORS origins (use * for all)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Parse()

	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		origins = strings.Split(allowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	jwtSecret := os.Getenv("ECHOTRUTH_JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("ECHOTRUTH_JWT_SECRET must be set")
	}

	store, err := storage.NewDBClientWithPath(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	analyzer := analysis.NewClient(analysis.Config{
		BaseURL:  aiServiceURL,
		MockMode: aiMock,
	})

	resolver := ingest.NewResolver(ingest.Config{
		TempDir:  tempDir,
		MaxBytes: maxUploadMB << 20,
	})

	detections := detection.NewService(store, analyzer, resolver)

	authService := auth.NewService(store, auth.Config{
		JWTSecret:     []byte(jwtSecret),
		TokenTTL:      time.Duration(tokenTTLHours) * time.Hour,
		ServiceAPIKey: os.Getenv("ECHOTRUTH_SERVICE_API_KEY"),
	})

	config := &ServerConfig{
		Port:           port,
		DBPath:         dbPath,
		TempDir:        tempDir,
		MaxUploadBytes: maxUploadMB << 20,
		AIServiceURL:   aiServiceURL,
		MockMode:       aiMock,
		AllowedOrigins: origins,
	}

	server := NewServer(detections, authService, analyzer, store, config)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
