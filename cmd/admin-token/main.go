package main

import (
	"flag"
	"fmt"
	"os"

	jwtpkg "mailindex/backend/internal/auth/jwt"
	"mailindex/backend/internal/config"
)

// main 使用配置中的 JWT 密钥签发管理令牌
func main() {
	subject := flag.String("subject", "admin", "令牌主体，会出现在请求日志中")
	expiry := flag.Duration("expiry", -1, "有效期，默认使用 jwt.expiry，0 表示不过期")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.JWT.Secret == "" {
		fmt.Println("JWT secret is not configured (set MAILINDEX_JWT_SECRET); admin endpoints are unauthenticated")
		os.Exit(1)
	}

	ttl := cfg.JWT.Expiry
	if *expiry >= 0 {
		ttl = *expiry
	}

	token, err := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, ttl).GenerateToken(*subject)
	if err != nil {
		fmt.Printf("Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "✓ Admin token issued for %q (issuer %q, expiry %s)\n", *subject, cfg.JWT.Issuer, ttl)
	fmt.Println(token)
}
