package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// fetch URLs through a resthttp pool

var log = logrus.New()

func main() {
	log.SetOutput(os.Stderr)
	if err := newRootCommand().Execute(); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &fetchOptions{}

	root := &cobra.Command{
		Use:           "restfetch",
		Short:         "Fetch URLs through a pooled HTTP client with a request deadline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "pool configuration file (yaml, toml or json)")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "enable debug logging")
	flags.DurationVarP(&opts.timeout, "timeout", "t", 0, "overall request deadline, 0 for none")
	flags.StringVar(&opts.proxy, "proxy", "", "proxy URL, may embed user:password")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, "extra header as \"Name: value\", repeatable")
	flags.BoolVar(&opts.headersOnly, "headers-only", false, "return at headers and stream the body")
	flags.StringVarP(&opts.output, "output", "o", "", "write the body to this file")
	flags.BoolVar(&opts.fail, "fail", false, "exit with an error on non-2xx status")
	flags.String("min-tls", "", "minimum TLS version (1.0 to 1.3)")
	flags.Bool("insecure", false, "skip certificate validation")
	flags.Bool("no-redirects", false, "do not follow redirects")
	flags.Duration("connect-timeout", 0, "connect timeout, 0 for none")

	for _, method := range []string{"GET", "HEAD", "DELETE", "OPTIONS"} {
		root.AddCommand(newMethodCommand(opts, method, false))
	}
	for _, method := range []string{"POST", "PUT", "PATCH"} {
		root.AddCommand(newMethodCommand(opts, method, true))
	}
	return root
}
