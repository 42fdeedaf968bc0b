package portal

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

var (
	// Some SUUMO headings describe the route instead of naming the building.
	suumoRouteHeading = regexp.MustCompile(`駅\s+\d+階建\s+築\d+年$`)
	providerSuffix    = regexp.MustCompile(`\s+[-–—]\s+.+提供.+$`)
	roomSuffix        = regexp.MustCompile(`\s+\d+F?号室$`)
	prefecturePattern = regexp.MustCompile(`[都道府県]`)
	wardPattern       = regexp.MustCompile(`[区市町村].+\d`)
)

// ExtractSuumo reads a SUUMO detail page (both jnc_ and bc_ layouts).
func ExtractSuumo(doc *goquery.Document) models.ListingAttributes {
	var a models.ListingAttributes

	if h1 := doc.Find("h1.section_h1-header-title").First(); h1.Length() > 0 {
		heading := text(h1)
		if !suumoRouteHeading.MatchString(heading) {
			name := providerSuffix.ReplaceAllString(heading, "")
			a.Name = strings.TrimSpace(roomSuffix.ReplaceAllString(name, ""))
		}
	}

	fields := labelledValues(doc, false)
	doc.Find(".property_data").Each(func(_ int, s *goquery.Selection) {
		label := text(s.Find(".property_data-title").First())
		value := text(s.Find(".property_data-body").First())
		if label != "" && value != "" {
			if _, ok := fields[label]; !ok {
				fields[label] = value
			}
		}
	})

	a.Address = firstOf(fields, "所在地", "住所")
	if a.Address == "" {
		doc.Find(".property_view_detail-text").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			t := text(s)
			if strings.Contains(t, "駅") || strings.Contains(t, "線/") || strings.Contains(t, "歩") {
				return true
			}
			if prefecturePattern.MatchString(t) || wardPattern.MatchString(t) {
				a.Address = t
				return false
			}
			return true
		})
	}

	for _, sel := range []string{".property_view_note-emphasis", ".property_view_main-emphasis"} {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			a.Rent = text(s)
			break
		}
	}
	if a.Rent == "" {
		a.Rent = firstOf(fields, "賃料", "家賃")
	}
	a.Rent = normalizeRent(a.Rent)

	a.Area = firstOf(fields, "専有面積", "面積")
	a.Layout = firstOf(fields, "間取り")
	a.BuildYear = firstOf(fields, "築年月", "築年数", "完成年月")
	return a
}

// ExtractHomes reads a LIFULL HOME'S detail page.
func ExtractHomes(doc *goquery.Document) models.ListingAttributes {
	var a models.ListingAttributes

	for _, sel := range []string{"h1.heading--b1", "h1[itemprop='name']", ".bukkenName", "h1"} {
		if t := text(doc.Find(sel).First()); t != "" {
			a.Name = t
			break
		}
	}

	// dt/dd pairs override table cells on HOME'S pages.
	fields := labelledValues(doc, true)

	a.Address = firstOf(fields, "所在地", "住所")
	if a.Address == "" {
		a.Address = text(doc.Find("[itemprop='address']").First())
	}

	a.Rent = firstOf(fields, "賃料", "家賃")
	if a.Rent == "" {
		a.Rent = text(doc.Find(".priceLabel").First())
	}
	a.Rent = normalizeRent(a.Rent)

	a.Area = firstOf(fields, "専有面積", "面積")
	a.Layout = firstOf(fields, "間取り")
	a.BuildYear = firstOf(fields, "築年月", "築年数")
	return a
}

// labelledValues collects th/td and dt/dd pairs keyed by label. Table cells
// are read first; definition pairs fill gaps, or override when overrideDL is set.
func labelledValues(doc *goquery.Document, overrideDL bool) map[string]string {
	fields := make(map[string]string)
	doc.Find("th").Each(func(_ int, th *goquery.Selection) {
		td := th.NextAllFiltered("td").First()
		if td.Length() > 0 {
			fields[text(th)] = text(td)
		}
	})
	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.NextAllFiltered("dd").First()
		if dd.Length() == 0 {
			return
		}
		label := text(dt)
		if _, ok := fields[label]; ok && !overrideDL {
			return
		}
		fields[label] = text(dd)
	})
	return fields
}

func firstOf(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// text returns the selection's text with whitespace runs collapsed.
func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func normalizeRent(s string) string {
	if s == "" {
		return ""
	}
	return dataset.NormalizeRent(s)
}
