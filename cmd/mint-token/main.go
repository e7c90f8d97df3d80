package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	pkgAuth "github.com/angelmondragon/rampledger/pkg/auth"
	"github.com/angelmondragon/rampledger/pkg/config"
	"github.com/angelmondragon/rampledger/pkg/enums"
)

// mint-token prints a signed operator JWT using the API's JWT settings.
func main() {
	_ = godotenv.Load()

	operator := flag.String("operator", "", "operator identity recorded on history entries (required)")
	role := flag.String("role", string(enums.OperatorRoleAdmin), "operator role: admin|merchant")
	ttl := flag.Int("ttl", 0, "token lifetime in minutes (defaults to RAMPLEDGER_JWT_EXPIRATION_MINUTES)")
	flag.Parse()

	if *operator == "" {
		exitf("missing -operator")
	}
	parsedRole, err := enums.ParseOperatorRole(*role)
	if err != nil {
		exitf("%v", err)
	}

	cfg, err := loadJWTConfig()
	if err != nil {
		exitf("load jwt config: %v", err)
	}
	if *ttl > 0 {
		cfg.ExpirationMinutes = *ttl
	}

	token, err := pkgAuth.MintAccessToken(cfg, time.Now().UTC(), pkgAuth.AccessTokenPayload{
		Operator: *operator,
		Role:     parsedRole,
	})
	if err != nil {
		exitf("mint token: %v", err)
	}
	fmt.Println(token)
}

// loadJWTConfig reads only the JWT block so the tool runs without database or provider settings.
func loadJWTConfig() (config.JWTConfig, error) {
	var cfg config.JWTConfig
	if err := config.ProcessSection(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
