// Mints an API token for a new account and prints the token alongside its
// stored hash. Hand the token to the client; insert the hash.
//
// Usage: go run scripts/mint-token.go <display-name>
package main

import (
	"fmt"
	"os"

	"github.com/talkwire/callcore/internal/util"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/mint-token.go <display-name>\n")
		os.Exit(1)
	}

	displayName := os.Args[1]
	token, err := util.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("token:      %s\n", token)
	fmt.Printf("token_hash: %s\n", util.HashToken(token))
	fmt.Printf("\nINSERT INTO accounts (id, display_name, token_hash) VALUES (gen_random_uuid(), '%s', '%s');\n",
		displayName, util.HashToken(token))
}
