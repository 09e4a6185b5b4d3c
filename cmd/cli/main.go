package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/echotruth/echotruth/internal/analysis"
	"github.com/echotruth/echotruth/internal/ingest"
	"github.com/echotruth/echotruth/pkg/logger"
)

// Global flags
var (
	aiServiceURL string
	aiMock       bool
	tempDir      string
)

func init() {
	flag.StringVar(&aiServiceURL, "ai-url", getEnvOrDefault("ECHOTRUTH_AI_URL", "http://localhost:8000"), "Base URL of the voice analyzer service")
	flag.BoolVar(&aiMock, "ai-mock", os.Getenv("ECHOTRUTH_AI_MOCK") == "true", "Always return mock analysis results")
	flag.StringVar(&tempDir, "temp", getEnvOrDefault("ECHOTRUTH_TEMP_DIR", "/tmp"), "Directory for temporary audio files")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newAnalyzer() *analysis.Client {
	return analysis.NewClient(analysis.Config{
		BaseURL:  aiServiceURL,
		MockMode: aiMock,
	})
}

func main() {
	log := logger.GetLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	log.Infof("Executing command: %s", command)

	switch command {
	case "analyze":
		handleAnalyze()
	case "health":
		handleHealth()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`EchoTruth CLI - AI voice detection

Usage:
  echotruth analyze <file> [-hint language]   Analyze a local audio file
  echotruth analyze -url <url> [-hint lang]   Analyze a remote audio URL
  echotruth health                            Probe the analyzer service

Global flags:
  -ai-url   Analyzer base URL (env ECHOTRUTH_AI_URL)
  -ai-mock  Force mock results (env ECHOTRUTH_AI_MOCK=true)
  -temp     Temp directory (env ECHOTRUTH_TEMP_DIR)`)
}

func handleAnalyze() {
	log := logger.GetLogger()

	// Separate the audio file path from flags
	args := os.Args[2:]
	var audioPath string
	var flagArgs []string
	for i, arg := range args {
		if !strings.HasPrefix(arg, "-") && audioPath == "" {
			audioPath = arg
		} else {
			flagArgs = append(flagArgs, args[i:]...)
			break
		}
	}

	analyzeCmd := flag.NewFlagSet("analyze", flag.ExitOnError)
	rawURL := analyzeCmd.String("url", "", "Remote audio URL (alternative to a local file)")
	hint := analyzeCmd.String("hint", "", "Optional language hint")
	analyzeCmd.Parse(flagArgs)

	if audioPath == "" && *rawURL == "" {
		fmt.Println("Error: an audio file or -url is required")
		os.Exit(1)
	}

	ctx := context.Background()
	analyzer := newAnalyzer()

	path := audioPath
	name := audioPath
	if *rawURL != "" {
		resolver := ingest.NewResolver(ingest.Config{TempDir: tempDir})
		res, err := resolver.FromURL(ctx, *rawURL)
		if err != nil {
			log.Fatalf("Failed to fetch audio: %v", err)
		}
		defer res.Close()
		path = res.Path
		name = res.OriginalName
	}

	result, err := analyzer.Analyze(ctx, path, name, *hint)
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

func handleHealth() {
	analyzer := newAnalyzer()
	if analyzer.CheckHealth(context.Background()) {
		fmt.Println("analyzer: healthy")
		return
	}
	fmt.Println("analyzer: unhealthy")
	os.Exit(1)
}
