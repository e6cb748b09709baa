// Command admintoken mints a bearer token for the admin API using the
// configured admin secret.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/simdesk/server/internal/shared/config"
	"github.com/simdesk/server/internal/shared/middleware"
)

func main() {
	subject := flag.String("subject", "ops", "token subject")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	token, err := middleware.NewAdminToken(cfg.Admin.JWTSecret, cfg.Admin.Issuer, *subject, *ttl)
	if err != nil {
		log.Fatalf("Failed to create token: %v", err)
	}
	fmt.Println(token)
}
