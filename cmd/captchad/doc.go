// Command captchad runs the captcha resolution subsystem.
//
// Subcommands:
//   - sidecar: the webhook receiver. It accepts vendor callbacks on POST /webhook, stores them in the
//     configured solution store (SQLite by default, Postgres or memory), serves GET /solutions/{id} to
//     crawlers on other hosts, exposes /health and /metrics, and purges rows older than the retention window.
//   - solve: one-shot resolution for a page. The site key comes from --site-key, from a configured job, or
//     from the page itself when neither is set. The token is printed on stdout.
//   - purge: a single retention sweep against the configured store.
//
// Configuration is read from an optional file (--config) and CAPTCHAD_* environment variables, e.g.
// CAPTCHAD_CAPTCHA_API_KEY, CAPTCHAD_CAPTCHA_STRATEGY=webhook, CAPTCHAD_STORE_DRIVER=postgres.
package main
