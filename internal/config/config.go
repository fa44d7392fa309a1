package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const defaultSystemPrompt = `You are "ask-javier," a custom-engineered AI assistant built by Javier Chua. ` +
	`You are Javier's digital representative: professional but casual, intelligent, and no-nonsense. ` +
	`Give the best answer in the fewest words possible. Never say "As an AI language model...". ` +
	`If you can't do something, say "I can't handle that yet—ask the real Javier." ` +
	`Jump straight to the data, use Markdown to keep answers scannable, and never break character.`

const defaultTitleSystemPrompt = "You are a helpful assistant that generates concise titles for chat conversations. " +
	"The title should be 3-5 words and at most 50 characters. " +
	"Just return the title itself, with no quotes and no explanation."

// defaultAffectionInstruction takes the matched phrase as its single format argument.
const defaultAffectionInstruction = `The user's latest message expresses affection toward you ("%s"). ` +
	`Mirror that affection warmly in your reply, echoing their phrase naturally, before answering anything else.`

type Config struct {
	GeminiAPIKey         string
	MongoURI             string
	AuthSecret           string
	HTTPPort             string
	LogLevel             string
	SystemPrompt         string
	TitleSystemPrompt    string
	AffectionInstruction string
	AllowedEmails        []string
}

// Load reads configuration from the environment (and an optional .env file)
// and validates it. Missing required values are a startup failure, not a
// runtime one.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		GeminiAPIKey:         getEnv("GOOGLE_GENAI_API_KEY", ""),
		MongoURI:             getEnv("MONGODB_URI", ""),
		AuthSecret:           getEnv("AUTH_SECRET", ""),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "INFO"),
		SystemPrompt:         getEnv("SYSTEM_PROMPT", defaultSystemPrompt),
		TitleSystemPrompt:    getEnv("TITLE_SYSTEM_PROMPT", defaultTitleSystemPrompt),
		AffectionInstruction: getEnv("AFFECTION_MIRRORING_INSTRUCTION", defaultAffectionInstruction),
		AllowedEmails:        splitEmails(getEnv("ALLOWED_EMAILS", "")),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GOOGLE_GENAI_API_KEY environment variable is required")
	}
	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("MONGODB_URI environment variable is required")
	}
	if !strings.HasPrefix(cfg.MongoURI, "mongodb") {
		return nil, fmt.Errorf("MONGODB_URI must be a valid MongoDB connection string")
	}
	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET environment variable is required")
	}

	return cfg, nil
}

// EmailAllowed reports whether the given principal may use the service. An
// empty whitelist allows everyone.
func (c *Config) EmailAllowed(email string) bool {
	if len(c.AllowedEmails) == 0 {
		return true
	}
	email = strings.ToLower(strings.TrimSpace(email))
	for _, allowed := range c.AllowedEmails {
		if allowed == email {
			return true
		}
	}
	return false
}

func splitEmails(raw string) []string {
	var emails []string
	for _, part := range strings.Split(raw, ",") {
		email := strings.ToLower(strings.TrimSpace(part))
		if email != "" {
			emails = append(emails, email)
		}
	}
	return emails
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
