package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/KarpelesLab/resthttp"
	"github.com/KarpelesLab/webutil"
	"github.com/spf13/cobra"
)

type fetchOptions struct {
	configFile  string
	debug       bool
	timeout     time.Duration
	proxy       string
	headers     []string
	headersOnly bool
	output      string
	fail        bool

	// body commands only
	data        string
	params      string
	contentType string
}

func newMethodCommand(opts *fetchOptions, method string, withBody bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   strings.ToLower(method) + " URL",
		Short: "Send a " + method + " request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts, method, args[0])
		},
	}
	if withBody {
		cmd.Flags().StringVar(&opts.data, "data", "", "raw request body, @file to read it from a file")
		cmd.Flags().StringVar(&opts.params, "params", "", "parameters sent as JSON, given as JSON or a=1&b[c]=2")
		cmd.Flags().StringVar(&opts.contentType, "content-type", "application/octet-stream", "content type of --data")
	}
	return cmd
}

func runFetch(cmd *cobra.Command, opts *fetchOptions, method, target string) error {
	cfg, err := loadConfig(opts.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	resthttp.Debug = opts.debug

	pool, err := resthttp.NewPool(cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	client := resthttp.NewClient(pool, resthttp.WithUserAgent("restfetch"))

	req := resthttp.NewRequest(method, target)
	req.Proxy = opts.proxy
	req.Timeout = opts.timeout
	req.HeadersOnly = opts.headersOnly
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		// kept as typed, non-standard names included
		req.Header[strings.TrimSpace(name)] = append(req.Header[strings.TrimSpace(name)], strings.TrimSpace(value))
	}
	if req.Body, err = opts.payload(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Debugf("%s %s", method, target)
	res, err := client.Send(ctx, req)
	if err != nil {
		var te *resthttp.TimeoutError
		if errors.As(err, &te) {
			log.Errorf("timed out after %s during %s", te.Elapsed, te.Phase)
		}
		return err
	}
	defer res.Release()

	log.Infof("%s %s in %s", res.Proto, res.Status, res.Elapsed())
	for k, v := range res.Header {
		log.Debugf("%s: %s", k, strings.Join(v, ", "))
	}
	if opts.fail {
		if err := res.EnsureSuccess(); err != nil {
			return err
		}
	}

	switch {
	case method == "HEAD":
		return nil
	case opts.output != "":
		err = res.SaveFile(ctx, opts.output, func(n int64) {
			log.Debugf("%d bytes written", n)
		})
	case opts.headersOnly:
		var body io.ReadCloser
		if body, err = res.Stream(); err == nil {
			_, err = io.Copy(os.Stdout, body)
			body.Close()
		}
	default:
		_, err = res.Download(ctx, os.Stdout, nil)
	}
	if err != nil {
		return err
	}
	log.Debugf("done in %s", res.Elapsed())
	return nil
}

func (opts *fetchOptions) payload() (resthttp.Payload, error) {
	switch {
	case opts.params != "":
		if opts.params[0] == '{' {
			// json
			return resthttp.JSON(json.RawMessage(opts.params)), nil
		}
		// url encoded
		return resthttp.JSON(webutil.ParsePhpQuery(opts.params)), nil
	case strings.HasPrefix(opts.data, "@"):
		data, err := os.ReadFile(opts.data[1:])
		if err != nil {
			return nil, err
		}
		return resthttp.Raw(data, opts.contentType), nil
	case opts.data != "":
		return resthttp.Raw([]byte(opts.data), opts.contentType), nil
	default:
		return nil, nil
	}
}
