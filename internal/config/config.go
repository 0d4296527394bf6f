package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Provisioning   ProvisioningConfig
	Services       ServicesConfig
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey string
}

// ProvisioningConfig tunes the port allocator and the add-client retry
// loop. The port range must stay clear of the panel's own listeners.
type ProvisioningConfig struct {
	PortRangeMin      int
	PortRangeMax      int
	PortPickAttempts  int
	AddClientAttempts int
}

type ServicesConfig struct {
	StorefrontServiceURL string
}

func Load() *Config {
	// .env 仅用于本地开发，缺失时静默忽略
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8006"),
			Mode: getEnv("GIN_MODE", "release"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "saas_user"),
			Password: getEnv("DB_PASSWORD", "saas_pass"),
			DBName:   getEnv("DB_NAME", "saas_db"),
			Schema:   getEnv("DB_SCHEMA", "provisioning"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Provisioning: ProvisioningConfig{
			PortRangeMin:      getEnvInt("PROVISION_PORT_MIN", 20000),
			PortRangeMax:      getEnvInt("PROVISION_PORT_MAX", 60000),
			PortPickAttempts:  getEnvInt("PROVISION_PORT_ATTEMPTS", 50),
			AddClientAttempts: getEnvInt("PROVISION_ADD_CLIENT_ATTEMPTS", 3),
		},
		Services: ServicesConfig{
			StorefrontServiceURL: getEnv("STOREFRONT_SERVICE_URL", "http://localhost:8002"),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	// 日志脱敏: 不记录敏感配置
	log.Printf("[config] Provisioning Service loaded: port=%s db=%s/%s.%s storefront=%s",
		cfg.Server.Port, cfg.Database.Host, cfg.Database.DBName, cfg.Database.Schema,
		cfg.Services.StorefrontServiceURL)

	return cfg
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if c.Provisioning.PortRangeMin <= 0 || c.Provisioning.PortRangeMax > 65535 ||
		c.Provisioning.PortRangeMin >= c.Provisioning.PortRangeMax {
		return fmt.Errorf("invalid provisioning port range [%d, %d]",
			c.Provisioning.PortRangeMin, c.Provisioning.PortRangeMax)
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func (c *RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
