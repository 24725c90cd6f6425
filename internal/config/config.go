package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Client holds the avatar client configuration.
type Client struct {
	ProviderURL      string
	ProviderKey      string
	AvatarSourceURL  string
	ConversationsURL string

	PatientID   *int
	UserID      *int
	PatientName string
}

// Service holds the conversations service configuration.
type Service struct {
	MongoURI   string
	MongoDB    string
	ListenAddr string
}

const defaultAvatarSource = "https://create-images-results.d-id.com/DefaultPresenters/Emma_f/v1_image.jpeg"

// LoadClient reads client configuration from a .env file (if present) and
// environment variables. Environment variables take precedence over .env values.
func LoadClient() (*Client, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	providerURL := os.Getenv("PROVIDER_URL")
	if providerURL == "" {
		return nil, fmt.Errorf("PROVIDER_URL environment variable is required")
	}

	conversationsURL := os.Getenv("CONVERSATIONS_URL")
	if conversationsURL == "" {
		conversationsURL = "http://localhost:3000"
	}

	source := os.Getenv("AVATAR_SOURCE_URL")
	if source == "" {
		source = defaultAvatarSource
	}

	cfg := &Client{
		ProviderURL:      providerURL,
		ProviderKey:      os.Getenv("PROVIDER_KEY"),
		AvatarSourceURL:  source,
		ConversationsURL: conversationsURL,
		PatientName:      os.Getenv("PATIENT_NAME"),
	}

	var err error
	if cfg.PatientID, err = optionalInt("PATIENT_ID"); err != nil {
		return nil, err
	}
	if cfg.UserID, err = optionalInt("USER_ID"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadService reads the conversations service configuration.
func LoadService() (*Service, error) {
	_ = godotenv.Load()

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		return nil, fmt.Errorf("MONGO_URI environment variable is required")
	}

	db := os.Getenv("MONGO_DB")
	if db == "" {
		db = "medico_mongo"
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":3000"
	}

	return &Service{MongoURI: uri, MongoDB: db, ListenAddr: addr}, nil
}

func optionalInt(key string) (*int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return &n, nil
}
