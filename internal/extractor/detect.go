package extractor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	errCaptcha     = errors.New("captcha challenge served")
	errConsentWall = errors.New("consent wall not dismissed")
	errSorryPage   = errors.New("unusual traffic interstitial")
)

var blockPhrases = []string{
	"unusual traffic from your computer network",
	"our systems have detected unusual traffic",
	"not a robot",
}

// blockDetector recognises anti-automation responses served in place of the
// expected page.
type blockDetector struct {
	captchaSelector string
}

// detect returns a non-nil reason when the page is a block or consent wall.
func (d blockDetector) detect(rawURL string, doc *goquery.Document) error {
	if reason := d.detectURL(rawURL); reason != nil {
		return reason
	}
	if doc == nil {
		return nil
	}
	if d.captchaSelector != "" && doc.Find(d.captchaSelector).Length() > 0 {
		return errCaptcha
	}
	text := strings.ToLower(doc.Find("body").Text())
	for _, phrase := range blockPhrases {
		if strings.Contains(text, phrase) {
			return fmt.Errorf("%w: %q", errSorryPage, phrase)
		}
	}
	return nil
}

func (d blockDetector) detectURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasPrefix(host, "consent."):
		return errConsentWall
	case strings.HasPrefix(u.Path, "/sorry/"):
		return errSorryPage
	default:
		return nil
	}
}
