package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/angus/cli/render"
	"github.com/pithecene-io/angus/cli/tui"
	"github.com/pithecene-io/angus/jobs"
	"github.com/pithecene-io/angus/types"
)

// JobCommand returns the job command with subcommands.
func JobCommand() *cli.Command {
	return &cli.Command{
		Name:  "job",
		Usage: "Submit and inspect jobs on a running server",
		Subcommands: []*cli.Command{
			jobSubmitCommand(),
			jobGetCommand(),
		},
	}
}

func jobSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Create a job",
		Flags: append(append(ClientFlags(), OutputFlags()...),
			&cli.StringFlag{
				Name:  "data",
				Usage: "Request parameters as a JSON object",
				Value: "{}",
			},
			&cli.StringFlag{
				Name:      "data-file",
				Usage:     "Read request parameters from a JSON file",
				TakesFile: true,
			},
			&cli.BoolFlag{
				Name:  "sync",
				Usage: "Wait for the result instead of returning the accepted job",
			},
			&cli.IntFlag{
				Name:  "ttl",
				Usage: "Record lifetime: -1 ephemeral, 0 shared cache, N seconds durable",
			},
		),
		Action: jobSubmitAction,
	}
}

// submitBody builds the request object from CLI flags.
func submitBody(data string, sync bool, ttl int, ttlSet bool) ([]byte, error) {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	opts := jobs.Options{Async: !sync, TTL: types.TTLEphemeral}
	if ttlSet {
		opts.TTL = ttl
	} else if opts.Async {
		opts.TTL = types.TTLShared
	}
	return jobs.MarshalOptions(payload, opts)
}

func jobSubmitAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for job submit", 1)
	}
	ref, err := ParseServiceRef(c.String("service"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	data := c.String("data")
	if path := c.String("data-file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read --data-file: %w", err)
		}
		data = string(raw)
	}
	body, err := submitBody(data, c.Bool("sync"), c.Int("ttl"), c.IsSet("ttl"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	client := NewClient(c.String("server"), c.String("user"))
	env, err := client.SubmitJob(c.Context, ref, body)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return r.Render(env)
}

func jobGetCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "Show a job envelope",
		Flags: append(append(ClientFlags(), OutputFlags()...),
			&cli.StringFlag{
				Name:     "uuid",
				Usage:    "Job id",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "poll",
				Usage: "Refresh interval while the job is running (--tui only)",
				Value: time.Second,
			},
		),
		Action: jobGetAction,
	}
}

func jobGetAction(c *cli.Context) error {
	ref, err := ParseServiceRef(c.String("service"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	id := c.String("uuid")
	client := NewClient(c.String("server"), c.String("user"))

	env, err := client.GetJob(c.Context, ref, id)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		refresh := func(ctx context.Context) (types.Envelope, error) {
			return client.GetJob(ctx, ref, id)
		}
		return tui.RunJob(env, refresh, c.Duration("poll"))
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(env)
}
