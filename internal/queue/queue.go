// Package queue wraps Redis Streams/Pub-Sub as the scan-refresh
// notification bus: a publish on "scan:refresh" lets other processes
// (or browser tabs polling through a consumer) learn a directory scan
// completed without polling the HTTP API. Entirely optional — every core
// operation works with a nil Queue.
package queue

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

type Queue interface {
	Enqueue(stream string, data interface{}) error
	Consume(stream string, group string, consumer string, handler func(id string, data map[string]interface{}) error) error
	Publish(channel string, data interface{}) error
	Subscribe(channel string, handler func(data []byte)) error
	Close() error
}

type RedisQueue struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisQueue(addr string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx := context.Background()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisQueue{
		client: client,
		ctx:    ctx,
	}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(stream string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return q.client.XAdd(q.ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(jsonData),
		},
	}).Err()
}

func (q *RedisQueue) Consume(stream string, group string, consumer string, handler func(id string, data map[string]interface{}) error) error {
	// Create consumer group if not exists
	q.client.XGroupCreateMkStream(q.ctx, stream, group, "0")

	for {
		streams, err := q.client.XReadGroup(q.ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    0,
		}).Result()

		if err != nil {
			return err
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				dataStr, ok := message.Values["data"].(string)
				if !ok {
					continue
				}

				var data map[string]interface{}
				if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
					log.Printf("ERROR - failed to unmarshal queue message: %v", err)
					continue
				}

				if err := handler(message.ID, data); err != nil {
					log.Printf("ERROR - failed to process message %s: %v", message.ID, err)
					continue
				}

				// Acknowledge message
				q.client.XAck(q.ctx, stream.Stream, group, message.ID)
				log.Printf("message %s acknowledged and removed from queue", message.ID)
			}
		}
	}
}

func (q *RedisQueue) Publish(channel string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return q.client.Publish(q.ctx, channel, string(jsonData)).Err()
}

func (q *RedisQueue) Subscribe(channel string, handler func(data []byte)) error {
	pubsub := q.client.Subscribe(q.ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for msg := range ch {
		handler([]byte(msg.Payload))
	}

	return nil
}
