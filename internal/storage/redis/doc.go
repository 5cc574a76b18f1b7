// Package redis builds go-redis clients shared by the Redis transaction store
// and the Redis event queue.
package redis
