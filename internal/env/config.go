package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Region           string        `env:"RELAY_REGION"`
	DebugHTTP        bool          `env:"RELAY_DEBUG_HTTP"`
	HeartbeatTimeout time.Duration `env:"RELAY_HEARTBEAT_TIMEOUT,default=90s"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
