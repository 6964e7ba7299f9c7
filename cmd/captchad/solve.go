package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/app"
	"github.com/JakeFAU/crawler-captcha/internal/gate"
)

type solveOptions struct {
	job       string
	siteKey   string
	pageURL   string
	invisible bool
	timeout   time.Duration
}

func newSolveCmd() *cobra.Command {
	opts := &solveOptions{}
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Resolve one challenge and print the token",
		Long: `Resolves the challenge of --page-url. The site key comes from --site-key,
from the job named by --job, or, when neither provides one, from the page itself.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSolve(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.job, "job", "", "configured job to take the site key from")
	cmd.Flags().StringVar(&opts.siteKey, "site-key", "", "reCAPTCHA site key")
	cmd.Flags().StringVar(&opts.pageURL, "page-url", "", "page the challenge is served on")
	cmd.Flags().BoolVar(&opts.invisible, "invisible", false, "the challenge is an invisible reCAPTCHA")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "overall wait (default: captcha.poll_deadline plus one minute)")
	_ = cmd.MarkFlagRequired("page-url")
	return cmd
}

func runSolve(cmd *cobra.Command, opts *solveOptions) error {
	e, err := envFrom(cmd.Context())
	if err != nil {
		return err
	}

	settings := gate.JobSettings{Name: "cli"}
	if opts.job != "" {
		if settings, err = e.cfg.Job(opts.job); err != nil {
			return err
		}
	}
	if opts.siteKey != "" {
		settings.SiteKey = opts.siteKey
		settings.Invisible = opts.invisible
	}

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = e.cfg.Captcha.PollDeadline + time.Minute
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	session, err := app.NewSession(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	var job *gate.Job
	if settings.SiteKey != "" {
		settings.CaptchaNeeded = true
		job = gate.NewJob(settings)
	} else {
		if job, err = detectJob(ctx, session, settings, opts.pageURL); err != nil {
			return err
		}
	}

	meta := colly.NewContext()
	if _, err := session.Gate.Process(ctx, opts.pageURL, meta, job); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), meta.Get(gate.MetaSolution))
	return nil
}

// detectJob fetches pageURL through the gate so a challenge on the page arms
// the job with its site key.
func detectJob(ctx context.Context, session *app.Session, settings gate.JobSettings, pageURL string) (*gate.Job, error) {
	settings.CaptchaNeeded = false
	job := gate.NewJob(settings)

	c := colly.NewCollector()
	session.Gate.Attach(ctx, c, job)
	if err := c.Visit(pageURL); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	if !job.Needed() {
		return nil, errors.New("no site key given and no challenge found on the page")
	}
	session.Logger.Debug("site key detected on page", zap.String("url", pageURL))
	return job, nil
}
