package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/truenas/middleware-sub000/gateway/websocket"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
)

var callOpts struct {
	url        string
	apiVersion string
	username   string
	password   string
	apiKey     string
	timeout    time.Duration
	noWait     bool
}

var callCmd = &cobra.Command{
	Use:   "call <service> <method> [json-args...]",
	Short: "Call an API method over WebSocket and print its result",
	Long: `Call an API method. Every argument after the method is parsed as JSON and
passed positionally. Job methods are waited for unless --no-wait is given.

The exit status reflects the error kind of a failed call.`,
	Example: `  middlewared call core ping
  middlewared call -U root -P secret pool query '[["name","=","tank"]]' '{"get":true}'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callOpts.url, "url", "", "WebSocket endpoint (default ws://127.0.0.1:6000/api/<api-version>)")
	callCmd.Flags().StringVar(&callOpts.apiVersion, "api-version", "current", "API version to speak")
	callCmd.Flags().StringVarP(&callOpts.username, "username", "U", "", "username for password login")
	callCmd.Flags().StringVarP(&callOpts.password, "password", "P", "", "password (default $MIDDLEWARED_PASSWORD)")
	callCmd.Flags().StringVarP(&callOpts.apiKey, "api-key", "K", "", "API key (default $MIDDLEWARED_API_KEY)")
	callCmd.Flags().DurationVarP(&callOpts.timeout, "timeout", "t", 0, "give up after this long (0 waits forever)")
	callCmd.Flags().BoolVar(&callOpts.noWait, "no-wait", false, "print the job id instead of waiting for a job")
}

// parseArgs decodes each command line argument as one JSON value.
func parseArgs(raw []string) ([]any, error) {
	args := make([]any, 0, len(raw))
	var issues []errspkg.Issue
	for i, s := range raw {
		var v any
		if err := jsoncodec.Unmarshal([]byte(s), &v); err != nil {
			issues = append(issues, errspkg.Issue{Path: fmt.Sprintf("args.%d", i), Message: "not valid JSON: " + err.Error()})
			continue
		}
		args = append(args, v)
	}
	if len(issues) > 0 {
		return nil, errspkg.Validation(issues...)
	}
	return args, nil
}

func endpoint() string {
	if callOpts.url != "" {
		return callOpts.url
	}
	if env, ok := os.LookupEnv("MIDDLEWARED_URL"); ok && env != "" {
		return env
	}
	return "ws://127.0.0.1:6000/api/" + callOpts.apiVersion
}

func runCall(cmd *cobra.Command, argv []string) error {
	args, err := parseArgs(argv[2:])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if callOpts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, callOpts.timeout)
		defer cancel()
	}

	client, err := websocket.Dial(ctx, endpoint(), nil)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := login(ctx, client); err != nil {
		return err
	}

	result, err := client.Call(ctx, argv[0]+"."+argv[1], args...)
	if err != nil {
		return err
	}
	if id, ok := jobID(result); ok && !callOpts.noWait {
		if result, err = client.Call(ctx, "job.wait", id); err != nil {
			return err
		}
	}

	out, err := jsoncodec.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func login(ctx context.Context, client *websocket.Client) error {
	key := callOpts.apiKey
	if key == "" {
		key = os.Getenv("MIDDLEWARED_API_KEY")
	}
	if key != "" {
		return client.LoginWithAPIKey(ctx, key)
	}
	if callOpts.username == "" {
		return nil
	}
	password := callOpts.password
	if password == "" {
		password = os.Getenv("MIDDLEWARED_PASSWORD")
	}
	return client.Login(ctx, callOpts.username, password)
}

// jobID recognizes the {"job_id": N} answer of a job method.
func jobID(result any) (int64, bool) {
	obj, ok := result.(map[string]any)
	if !ok || len(obj) != 1 {
		return 0, false
	}
	id, ok := obj["job_id"].(float64)
	return int64(id), ok
}
