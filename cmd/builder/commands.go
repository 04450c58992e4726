package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"

	"github.com/vyvo/pkgbuild/backend/pkg/buildclient"
	"github.com/vyvo/pkgbuild/backend/pkg/buildstore"
	"github.com/vyvo/pkgbuild/backend/pkg/queue"
)

var clientFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "url",
		Usage:  "builder service base URL",
		Value:  "http://localhost:8085",
		EnvVar: "BUILDER_URL",
	},
	cli.StringFlag{
		Name:   "token",
		Usage:  "API token of the builder service",
		EnvVar: "BUILDER_API_TOKEN",
	},
}

func newClient(c *cli.Context) *buildclient.Client {
	return buildclient.NewClient(c.String("url"), c.String("token"))
}

func submitCommand(ctx context.Context) cli.Command {
	return cli.Command{
		Name:      "submit",
		Usage:     "submit a build request read from a JSON file",
		ArgsUsage: "<request.json>",
		Flags: append([]cli.Flag{
			cli.BoolFlag{Name: "follow, f", Usage: "stream the build log until it finishes"},
		}, clientFlags...),
		Action: func(c *cli.Context) error {
			req, err := readRequest(c.Args().First())
			if err != nil {
				return err
			}
			client := newClient(c)
			build, err := client.Submit(ctx, req)
			if err != nil {
				return err
			}
			fmt.Println(build.ID)
			if !c.Bool("follow") {
				return nil
			}
			return followBuild(ctx, client, build.ID)
		},
	}
}

func logsCommand(ctx context.Context) cli.Command {
	return cli.Command{
		Name:      "logs",
		Usage:     "stream the log of a build",
		ArgsUsage: "<build-id>",
		Flags:     clientFlags,
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return errors.New("build id is required")
			}
			return followBuild(ctx, newClient(c), id)
		},
	}
}

func interruptCommand(ctx context.Context) cli.Command {
	return cli.Command{
		Name:      "interrupt",
		Usage:     "stop a running build",
		ArgsUsage: "<build-id>",
		Flags: append([]cli.Flag{
			cli.StringFlag{Name: "message, m", Value: "interrupted by request"},
		}, clientFlags...),
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return errors.New("build id is required")
			}
			return newClient(c).Interrupt(ctx, id, c.String("message"))
		},
	}
}

func enqueueCommand(ctx context.Context) cli.Command {
	return cli.Command{
		Name:      "enqueue",
		Usage:     "push a build request onto the Redis build queue",
		ArgsUsage: "<request.json>",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "redis-url", EnvVar: "BUILDER_REDIS_URL", Value: "redis://localhost:6379/0"},
			cli.StringFlag{Name: "queue-key", EnvVar: "BUILDER_QUEUE_KEY", Value: queue.DefaultKey},
		},
		Action: func(c *cli.Context) error {
			req, err := readRequest(c.Args().First())
			if err != nil {
				return err
			}
			opts, err := redis.ParseURL(c.String("redis-url"))
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			client := redis.NewClient(opts)
			defer client.Close()
			return queue.NewQueue(client, c.String("queue-key")).Enqueue(ctx, req)
		},
	}
}

// followBuild prints the build log and fails unless the build succeeded.
func followBuild(ctx context.Context, client *buildclient.Client, id string) error {
	err := client.StreamLogs(ctx, id, func(line string) error {
		fmt.Println(line)
		return nil
	})
	if err != nil {
		return err
	}
	build, err := client.Get(ctx, id)
	if err != nil {
		return err
	}
	if build.Status != buildstore.StatusSucceeded {
		return fmt.Errorf("build %s %s: %s", id, build.Status, build.Error)
	}
	return nil
}

func readRequest(path string) (buildstore.CreateRequest, error) {
	if path == "" {
		return buildstore.CreateRequest{}, errors.New("request file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return buildstore.CreateRequest{}, fmt.Errorf("read request: %w", err)
	}
	var req buildstore.CreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return buildstore.CreateRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
