package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AdminJWTClaims mirrors the claims checked by the admin middleware
type AdminJWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Operator helper: hash a password for admin.passwordHash, or mint a test
// token against a known JWT secret.
func main() {
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash for admin.passwordHash and exit")
	username := flag.String("username", "admin", "username claim for the generated token")
	secret := flag.String("secret", os.Getenv("ADMIN_JWT_SECRET"), "admin JWT signing secret")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*hashPassword), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(string(hash))
		return
	}

	if *secret == "" {
		log.Fatalf("Either -hash-password or -secret (or ADMIN_JWT_SECRET) is required")
	}

	now := time.Now()
	claims := AdminJWTClaims{
		Username: *username,
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "shieldpool-admin",
			Subject:   *username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(*secret))
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Printf("Admin token for %q (expires %s):\n", *username, now.Add(*ttl).Format(time.RFC3339))
	fmt.Println(tokenString)
	fmt.Println("============================================================")
}
