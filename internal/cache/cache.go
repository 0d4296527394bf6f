package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wenwu/saas-platform/provisioning-service/internal/config"
)

// Cache wraps the redis client used for customer-keyed read caches.
// The user-portal caches client lists under these keys; provisioning must
// drop them whenever it writes a new credential.
type Cache struct {
	client *redis.Client
}

func New(cfg config.RedisConfig) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Printf("[cache] Warning: could not connect to redis at %s: %v", cfg.Addr(), err)
	} else {
		log.Printf("[cache] Connected to redis at %s", cfg.Addr())
	}

	return &Cache{client: client}
}

// InvalidateCustomer drops all cached views keyed by one customer.
func (c *Cache) InvalidateCustomer(ctx context.Context, customerID string) error {
	keys := []string{
		fmt.Sprintf("customer:%s:clients", customerID),
		fmt.Sprintf("customer:%s:orders", customerID),
		fmt.Sprintf("customer:%s:subscription", customerID),
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate customer cache: %w", err)
	}
	return nil
}

// SetOrderStatus caches the latest aggregate order status for cheap polling.
func (c *Cache) SetOrderStatus(ctx context.Context, orderID, status string) error {
	key := fmt.Sprintf("order:%s:status", orderID)
	return c.client.Set(ctx, key, status, 10*time.Minute).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
