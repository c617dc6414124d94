package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// CallChannel is the pub/sub channel carrying full snapshots of one call record.
func CallChannel(callID string) string {
	return fmt.Sprintf("call:%s", callID)
}

// RingChannel is the pub/sub channel carrying incoming-call wake events for one user.
func RingChannel(userID string) string {
	return fmt.Sprintf("ring:%s", userID)
}
