// rover-token mints a websocket access token for a console or dashboard.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/technosupport/ts-rover/internal/tokens"
)

func main() {
	clientID := flag.String("client", "operator", "client id embedded in the token")
	role := flag.String("role", "operator", "operator or monitor")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	key := os.Getenv("JWT_SIGNING_KEY")
	if key == "" {
		log.Fatal("JWT_SIGNING_KEY not set (auth is disabled without it, no token needed)")
	}

	var r tokens.Role
	switch *role {
	case "operator":
		r = tokens.RoleOperator
	case "monitor":
		r = tokens.RoleMonitor
	default:
		log.Fatalf("unknown role %q", *role)
	}

	mgr := tokens.NewManager(key)
	token, err := mgr.Generate(*clientID, r, *ttl)
	if err != nil {
		log.Fatalf("generate: %v", err)
	}
	fmt.Println(token)
}
