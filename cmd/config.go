package main

import "time"

type Config struct {
	BadgerFilepath  string        `env:"BADGER_FILEPATH,required=true"`
	LogLevel        string        `env:"LOG_LEVEL,required=true"`
	VerifierBaseURL string        `env:"VERIFIER_BASE_URL,required=true"`
	Host            string        `env:"HOST,default=localhost"`
	Port            int           `env:"PORT,default=8080"`
	TokenTTL        time.Duration `env:"TOKEN_TTL,default=30m"`
	AckTTL          time.Duration `env:"ACK_TTL,default=5s"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=5s"`
	RetryAttempts   int           `env:"RETRY_ATTEMPTS,default=3"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY,default=1s"`
	AdminChannel    int64         `env:"ADMIN_CHANNEL"`
}
