// Package redis manages the shared Redis client used for the pub/sub event
// bus, the task result store, and the dynamic settings cache.
//
// A single client is opened at startup and injected into the components
// that need it; its lifecycle is owned by the root application component.
//
//	client, err := redis.Open(ctx, cfg.RedisURL, redis.WithPoolSize(20))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
package redis
