package browser

import (
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// languageScript aligns navigator.languages with the Accept-Language the
// direct client sends; go-rod/stealth leaves it at the headless default.
const languageScript = `(() => {
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'], configurable: true });
})();`

// openPage creates a blank page. With useStealth it is created through
// go-rod/stealth, which embeds the puppeteer-extra-plugin-stealth evasions.
func openPage(b *rod.Browser, useStealth bool) (*rod.Page, error) {
	if !useStealth {
		return b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, err
	}
	if _, err := page.EvalOnNewDocument(languageScript); err != nil {
		_ = page.Close()
		return nil, err
	}
	return page, nil
}
