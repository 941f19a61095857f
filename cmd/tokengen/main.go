// Command tokengen mints a client token for a server running with JWT_SECRET.
//
//	tokengen -subject clinic-7 -ttl 12h
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/lukasbauer/streamscribe/internal/httpapi"
)

func main() {
	subject := flag.String("subject", "", "token subject (client or clinic id)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	if *subject == "" {
		log.Fatal("-subject is required")
	}

	token, expiresAt, err := httpapi.IssueToken(secret, *subject, *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
}
