package gate

import (
	"context"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawler-captcha/internal/detect"
)

// HeaderSolution carries the token on requests sent through a collector.
const HeaderSolution = "X-Recaptcha-Solution"

// Attach installs the gate on c for job. Requests block in OnRequest until
// their token is available and are aborted when resolution fails. Responses
// that still show a challenge re-arm the job. ctx bounds every wait.
func (g *Gate) Attach(ctx context.Context, c *colly.Collector, job *Job) {
	c.OnRequest(func(r *colly.Request) {
		if _, err := g.Process(ctx, r.URL.String(), r.Ctx, job); err != nil {
			r.Abort()
			return
		}
		if tok := r.Ctx.Get(MetaSolution); tok != "" {
			r.Headers.Set(HeaderSolution, tok)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		ch, found, err := detect.Find(r.Body)
		if err != nil {
			g.logger.Debug("challenge detection failed", zap.String("url", r.Request.URL.String()), zap.Error(err))
			return
		}
		if found {
			job.Arm(ch.SiteKey, ch.Invisible)
			g.logger.Info("challenge detected, job re-armed",
				zap.String("job", job.Name()),
				zap.String("url", r.Request.URL.String()),
			)
		}
	})
}
