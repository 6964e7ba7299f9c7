package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawler-captcha/internal/captcha"
	"github.com/JakeFAU/crawler-captcha/internal/resilience"
)

func TestNewSelectsAdapter(t *testing.T) {
	t.Parallel()

	exec := resilience.NewExecutor(resilience.Policy{}, nil)
	tests := []struct {
		name     string
		want     string
		callback bool
	}{
		{name: "2captcha", want: "2captcha", callback: true},
		{name: "twocaptcha", want: "2captcha", callback: true},
		{name: "CapSolver", want: "capsolver"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(Config{
				Name:              tt.name,
				APIKey:            "k",
				TwoCaptchaBaseURL: "https://2captcha.com",
				CapSolverBaseURL:  "https://api.capsolver.com",
			}, nil, exec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
			assert.Equal(t, tt.callback, p.Capabilities().SupportsCallback)
		})
	}
}

func TestNewFailsFast(t *testing.T) {
	t.Parallel()

	exec := resilience.NewExecutor(resilience.Policy{}, nil)

	_, err := New(Config{Name: "anticaptcha", APIKey: "k"}, nil, exec)
	require.ErrorIs(t, err, captcha.ErrConfiguration)
	assert.Contains(t, err.Error(), "2captcha, capsolver")

	_, err = New(Config{Name: "", APIKey: "k"}, nil, exec)
	require.ErrorIs(t, err, captcha.ErrConfiguration)

	_, err = New(Config{Name: "2captcha", TwoCaptchaBaseURL: "https://2captcha.com"}, nil, exec)
	require.ErrorIs(t, err, captcha.ErrConfiguration, "missing api key")
}
