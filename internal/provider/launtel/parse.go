package launtel

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"launtelha/internal/provider"

	"golang.org/x/net/html"
)

var (
	pauseServiceRe = regexp.MustCompile(`(un)?pauseService\((\d+)`)
	speedTierRe    = regexp.MustCompile(`(?i)Technology\s*/\s*Speed\s*Tier`)
	statusRe       = regexp.MustCompile(`(?i)Status`)
	planSpeedRe    = regexp.MustCompile(`\((\d+)\s*/\s*(\d+)\)`)
	labelSpeedRe   = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	balanceDtRe    = regexp.MustCompile(`(?i)Current\s+Balance`)
	amountRe       = regexp.MustCompile(`([+\-]?)\$?([0-9,]+\.?[0-9]*)`)
	balanceTextRe  = regexp.MustCompile(`(?i)Current\s+Balance[:\s]*([+\-]?)\$?([0-9,]+\.?[0-9]*)`)
)

const changeInProgressText = "Change in progress"

// planPage is what the service modify page tells us about a service.
type planPage struct {
	Catalog       provider.Catalog
	CurrentPlanID string
	LocID         string
}

// parseServices extracts the service cards from the services page. Cards
// missing a title, service id, AVC id or user id are skipped.
func parseServices(r io.Reader) ([]provider.Service, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, provider.NewError(provider.KindProtocol, "parse services", err)
	}

	var services []provider.Service
	for _, card := range findAll(doc, elementWithClass("div", "service-card")) {
		title := findFirst(card, elementWithClass("span", "service-title-txt"))
		if title == nil {
			continue
		}
		name := textOf(title)

		chart := findFirst(card, elementWithClass("i", "fa-bar-chart"))
		if chart == nil || chart.Parent == nil {
			continue
		}
		href, _ := attr(chart.Parent, "href")
		if href == "" {
			continue
		}
		userID := ""
		if parts := strings.Split(href, "="); len(parts) > 2 {
			userID = parts[2]
		}
		avcID, _ := attr(card, "id")

		serviceID := ""
		button := findFirst(card, func(n *html.Node) bool {
			if !isElement(n, "button") {
				return false
			}
			onclick, ok := attr(n, "onclick")
			return ok && pauseServiceRe.MatchString(onclick)
		})
		if button != nil {
			onclick, _ := attr(button, "onclick")
			if m := pauseServiceRe.FindStringSubmatch(onclick); m != nil {
				serviceID = m[2]
			}
		}

		speedLabel := ""
		if dd := definitionFor(card, speedTierRe); dd != nil {
			speedLabel = textOf(dd)
		}

		changing := false
		if dd := definitionFor(card, statusRe); dd != nil {
			changing = strings.Contains(rawText(dd), changeInProgressText)
		}

		if name == "" || serviceID == "" || avcID == "" || userID == "" {
			continue
		}
		services = append(services, provider.Service{
			ID:               serviceID,
			DisplayName:      name,
			AVCID:            avcID,
			UserID:           userID,
			SpeedLabel:       speedLabel,
			ChangeInProgress: changing,
		})
	}
	return services, nil
}

// parsePlanPage extracts the plan catalog, current plan and location id from
// the service modify page.
func parsePlanPage(r io.Reader) (planPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return planPage{}, provider.NewError(provider.KindProtocol, "parse plans", err)
	}

	var page planPage
	page.CurrentPlanID = currentPSID(doc)

	for _, choice := range findAll(doc, elementWithClass("span", "list-group-item")) {
		psid, _ := attr(choice, "data-value")
		if psid == "" {
			continue
		}
		if _, err := strconv.Atoi(psid); err != nil {
			return planPage{}, provider.NewError(provider.KindProtocol, "parse plans",
				fmt.Errorf("plan id %q is not numeric", psid))
		}

		plan := provider.Plan{ID: psid}
		if charge, ok := attr(choice, "data-plancharge"); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(charge), 64); err == nil {
				plan.PricePerDay = &v
			}
		}

		labelNode := choice
		if row := findFirst(choice, elementWithClass("div", "row")); row != nil {
			if col := findFirst(row, func(n *html.Node) bool {
				return isElement(n, "div") && hasClassPrefix(n, "col-")
			}); col != nil {
				labelNode = col
			}
		}
		plan.Label = whitespaceRe.ReplaceAllString(textOf(labelNode), " ")
		if m := planSpeedRe.FindStringSubmatch(plan.Label); m != nil {
			plan.Speed = m[1] + "/" + m[2]
		}
		plan.Unlimited = strings.Contains(rawText(choice), "Unlimited")

		if plan.Label == "" {
			continue
		}
		page.Catalog = append(page.Catalog, plan)
	}

	if input := findFirst(doc, inputNamed("locid")); input != nil {
		page.LocID, _ = attr(input, "value")
	}
	return page, nil
}

// currentPSID looks for the current plan id in the hidden inputs the portal
// has used over time.
func currentPSID(doc *html.Node) string {
	matchers := []func(*html.Node) bool{
		inputNamed("psid"),
		inputNamed("current_psid"),
		func(n *html.Node) bool {
			_, ok := attr(n, "data-current-psid")
			return n.Type == html.ElementNode && ok
		},
	}
	for _, match := range matchers {
		el := findFirst(doc, match)
		if el == nil {
			continue
		}
		val, _ := attr(el, "value")
		if val == "" {
			val, _ = attr(el, "data-current-psid")
		}
		if _, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return strings.TrimSpace(val)
		}
	}
	return ""
}

// parseBalance reads the account balance from the services page. The second
// return value is false when no balance could be found.
func parseBalance(r io.Reader) (float64, bool, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return 0, false, provider.NewError(provider.KindProtocol, "parse balance", err)
	}

	if dd := definitionFor(doc, balanceDtRe); dd != nil {
		if span := findFirst(dd, elementNamed("span")); span != nil {
			if v, ok := parseAmount(amountRe, textOf(span)); ok {
				return v, true, nil
			}
		}
	}

	if card := findFirst(doc, elementWithClass("div", "card-balance")); card != nil {
		if dd := findFirst(card, elementNamed("dd")); dd != nil {
			if span := findFirst(dd, elementNamed("span")); span != nil {
				if v, ok := parseAmount(amountRe, textOf(span)); ok {
					return v, true, nil
				}
			}
		}
	}

	if v, ok := parseAmount(balanceTextRe, textOf(doc)); ok {
		return v, true, nil
	}
	return 0, false, nil
}

func parseAmount(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	if m[1] == "-" {
		v = -v
	}
	return v, true
}

// speedOf extracts "N/M" from a speed tier label such as "Fibre 250/100 Mbps".
func speedOf(label string) string {
	if m := labelSpeedRe.FindStringSubmatch(label); m != nil {
		return m[1] + "/" + m[2]
	}
	return ""
}

// containsLoginForm reports whether a page is the portal login form.
func containsLoginForm(body []byte) bool {
	return strings.Contains(string(body), `name="username"`)
}

// Node helpers

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func classes(n *html.Node) []string {
	c, _ := attr(n, "class")
	return strings.Fields(c)
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range classes(n) {
		if c == class {
			return true
		}
	}
	return false
}

func hasClassPrefix(n *html.Node, prefix string) bool {
	for _, c := range classes(n) {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func elementNamed(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool { return isElement(n, tag) }
}

func elementWithClass(tag, class string) func(*html.Node) bool {
	return func(n *html.Node) bool { return isElement(n, tag) && hasClass(n, class) }
}

func inputNamed(name string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		v, _ := attr(n, "name")
		return isElement(n, "input") && v == name
	}
}

// descendants returns every node below root in document order.
func descendants(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			out = append(out, c)
			walk(c)
		}
	}
	walk(root)
	return out
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	for _, n := range descendants(root) {
		if match(n) {
			out = append(out, n)
		}
	}
	return out
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	for _, n := range descendants(root) {
		if match(n) {
			return n
		}
	}
	return nil
}

// definitionFor finds the first dt under root whose text matches re and
// returns the next dd element after it.
func definitionFor(root *html.Node, re *regexp.Regexp) *html.Node {
	nodes := descendants(root)
	for i, n := range nodes {
		if !isElement(n, "dt") || !re.MatchString(textOf(n)) {
			continue
		}
		for _, next := range nodes[i+1:] {
			if isElement(next, "dd") {
				return next
			}
		}
		return nil
	}
	return nil
}

// textOf joins the trimmed text fragments under n with single spaces.
func textOf(n *html.Node) string {
	var parts []string
	for _, d := range append([]*html.Node{n}, descendants(n)...) {
		if d.Type != html.TextNode {
			continue
		}
		if s := strings.TrimSpace(d.Data); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// rawText concatenates the text under n without normalising whitespace.
func rawText(n *html.Node) string {
	var b strings.Builder
	for _, d := range append([]*html.Node{n}, descendants(n)...) {
		if d.Type == html.TextNode {
			b.WriteString(d.Data)
		}
	}
	return b.String()
}
