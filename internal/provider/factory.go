// Package provider selects a captcha.Provider adapter by configured name.
package provider

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/provider/capsolver"
	"github.com/JakeFAU/crawler-captcha/internal/provider/twocaptcha"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
)

// Config carries the settings of every known adapter; each adapter reads
// only its own fields.
type Config struct {
	Name              string
	APIKey            string
	TwoCaptchaBaseURL string
	Method            string
	CapSolverBaseURL  string
	TaskType          string
}

type constructor func(cfg Config, client *http.Client, exec *resilience.Executor) (captcha.Provider, error)

var registry = map[string]constructor{
	twocaptcha.Name: func(cfg Config, client *http.Client, exec *resilience.Executor) (captcha.Provider, error) {
		return twocaptcha.New(twocaptcha.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.TwoCaptchaBaseURL,
			Method:  cfg.Method,
		}, client, exec)
	},
	capsolver.Name: func(cfg Config, client *http.Client, exec *resilience.Executor) (captcha.Provider, error) {
		return capsolver.New(capsolver.Config{
			APIKey:   cfg.APIKey,
			BaseURL:  cfg.CapSolverBaseURL,
			TaskType: cfg.TaskType,
		}, client, exec)
	},
}

var aliases = map[string]string{
	"twocaptcha": twocaptcha.Name,
}

// Names lists the supported provider names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs the adapter registered under cfg.Name. Unknown names fail
// with a configuration error.
func New(cfg Config, client *http.Client, exec *resilience.Executor) (captcha.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	build, ok := registry[name]
	if !ok {
		return nil, captcha.Configuration("new provider",
			fmt.Sprintf("unknown provider %q (supported: %s)", cfg.Name, strings.Join(Names(), ", ")))
	}
	p, err := build(cfg, client, exec)
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", name, err)
	}
	return p, nil
}
