// Package detect finds reCAPTCHA challenges in HTML responses.
package detect

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Challenge is a challenge found in a page.
type Challenge struct {
	SiteKey   string
	Invisible bool
}

const anchorSelector = `iframe[src*="recaptcha/api2/anchor"], iframe[src*="recaptcha/enterprise/anchor"]`

// Find returns the first challenge in body. Widgets declared with
// data-sitekey win over rendered anchor iframes.
func Find(body []byte) (Challenge, bool, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Challenge{}, false, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Challenge{}, false, fmt.Errorf("parse html: %w", err)
	}

	var (
		found Challenge
		ok    bool
	)
	doc.Find("[data-sitekey]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		key := strings.TrimSpace(s.AttrOr("data-sitekey", ""))
		if key == "" {
			return true
		}
		found = Challenge{SiteKey: key, Invisible: isInvisible(s)}
		ok = true
		return false
	})
	if ok {
		return found, true, nil
	}

	doc.Find(anchorSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, err := url.Parse(s.AttrOr("src", ""))
		if err != nil {
			return true
		}
		q := src.Query()
		if key := q.Get("k"); key != "" {
			found = Challenge{SiteKey: key, Invisible: q.Get("size") == "invisible"}
			ok = true
			return false
		}
		return true
	})
	return found, ok, nil
}

func isInvisible(s *goquery.Selection) bool {
	if strings.EqualFold(s.AttrOr("data-size", ""), "invisible") {
		return true
	}
	// Invisible v2 buttons carry the key on the button itself with a callback.
	return s.Is("button") && s.AttrOr("data-callback", "") != ""
}
