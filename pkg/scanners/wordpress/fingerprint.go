package wordpress

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	generatorVersionRe = regexp.MustCompile(`(?i)WordPress\s+([0-9][0-9A-Za-z.\-]*)`)

	// Core assets carry the core version in their ?ver= query.
	coreAssetVersionRes = []*regexp.Regexp{
		regexp.MustCompile(`wp-includes/js/wp-emoji-release\.min\.js\?(?:[^"'\s]*?[&;])?ver=([0-9][^"'&\s]*)`),
		regexp.MustCompile(`wp-includes/css/dist/block-library/style\.min\.css\?(?:[^"'\s]*?[&;])?ver=([0-9][^"'&\s]*)`),
	}

	feedGeneratorRe = regexp.MustCompile(`(?i)<generator>[^<]*(?:wordpress\.org/\?v=|WordPress\s+)([0-9][0-9A-Za-z.\-]*)</generator>`)
	readmeVersionRe = regexp.MustCompile(`(?i)<br\s*/?>\s*Version\s+([0-9][0-9.]*)`)

	pluginRefRe      = regexp.MustCompile(`wp-content/plugins/([^/\s"'?#]+)/`)
	themeRefRe       = regexp.MustCompile(`wp-content/themes/([^/\s"'?#]+)/`)
	pluginAssetVerRe = regexp.MustCompile(`wp-content/plugins/([^/\s"'?#]+)/[^"'\s?]*\?(?:[^"'\s]*?[&;])?ver=([0-9][^"'&\s]*)`)
	themeAssetVerRe  = regexp.MustCompile(`wp-content/themes/([^/\s"'?#]+)/[^"'\s?]*\?(?:[^"'\s]*?[&;])?ver=([0-9][^"'&\s]*)`)
	slugRe           = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)

	readmeStableTagRe = regexp.MustCompile(`(?i)stable tag:\s*([^\r\n]+)`)
	readmeNameRe      = regexp.MustCompile(`(?m)^===\s*(.+?)\s*===\s*$`)
	styleVersionRe    = regexp.MustCompile(`(?im)^[\s*]*version:\s*([^\r\n*]+)`)
	styleNameRe       = regexp.MustCompile(`(?im)^[\s*]*theme name:\s*([^\r\n*]+)`)
)

// componentRef is a plugin or theme referenced from page markup.
type componentRef struct {
	slug    string
	version string
}

func parseHTML(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// wordPressGenerator returns the content of a generator meta tag naming WordPress.
func wordPressGenerator(doc *goquery.Document) (string, bool) {
	var content string
	var found bool
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(name), "generator") {
			return true
		}
		c, _ := s.Attr("content")
		if strings.Contains(strings.ToLower(c), "wordpress") {
			content, found = c, true
			return false
		}
		return true
	})
	return content, found
}

// assetPaths reports whether link, script, img or source tags reference the
// wp-content and wp-includes trees.
func assetPaths(doc *goquery.Document) (wpContent, wpIncludes bool) {
	doc.Find("link, script, img, source").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"href", "src", "srcset"} {
			v, ok := s.Attr(attr)
			if !ok {
				continue
			}
			if hasPathSegment(v, "wp-content") {
				wpContent = true
			}
			if hasPathSegment(v, "wp-includes") {
				wpIncludes = true
			}
		}
	})
	return wpContent, wpIncludes
}

func hasPathSegment(ref, segment string) bool {
	return strings.Contains(ref, "/"+segment+"/") || strings.HasPrefix(ref, segment+"/")
}

func versionFromGenerator(content string) string {
	if m := generatorVersionRe.FindStringSubmatch(content); len(m) > 1 {
		return cleanVersion(m[1])
	}
	return ""
}

func coreVersionFromAssets(html string) string {
	for _, re := range coreAssetVersionRes {
		if m := re.FindStringSubmatch(html); len(m) > 1 {
			return cleanVersion(m[1])
		}
	}
	return ""
}

func coreVersionFromFeed(body string) string {
	if m := feedGeneratorRe.FindStringSubmatch(body); len(m) > 1 {
		return cleanVersion(m[1])
	}
	return ""
}

func coreVersionFromReadme(body string) string {
	if !strings.Contains(body, "WordPress") {
		return ""
	}
	if m := readmeVersionRe.FindStringSubmatch(body); len(m) > 1 {
		return cleanVersion(m[1])
	}
	return ""
}

func pluginRefs(html string) []componentRef {
	return componentRefs(html, pluginRefRe, pluginAssetVerRe)
}

func themeRefs(html string) []componentRef {
	return componentRefs(html, themeRefRe, themeAssetVerRe)
}

// componentRefs returns slugs in order of first appearance, each with the first
// ?ver= seen on one of its assets.
func componentRefs(html string, refRe, verRe *regexp.Regexp) []componentRef {
	versions := make(map[string]string)
	for _, m := range verRe.FindAllStringSubmatch(html, -1) {
		slug := strings.ToLower(m[1])
		if _, seen := versions[slug]; !seen {
			versions[slug] = cleanVersion(m[2])
		}
	}

	var refs []componentRef
	seen := make(map[string]bool)
	for _, m := range refRe.FindAllStringSubmatch(html, -1) {
		slug := strings.ToLower(m[1])
		if seen[slug] || !validSlug(slug) {
			continue
		}
		seen[slug] = true
		refs = append(refs, componentRef{slug: slug, version: versions[slug]})
	}
	return refs
}

func validSlug(slug string) bool {
	return slugRe.MatchString(slug) && !strings.Contains(slug, "..")
}

// parsePluginReadme reads the "=== Name ===" header and the Stable tag.
// A stable tag of "trunk" carries no version information.
func parsePluginReadme(body string) (name, version string) {
	if m := readmeNameRe.FindStringSubmatch(body); len(m) > 1 {
		name = strings.TrimSpace(m[1])
	}
	if m := readmeStableTagRe.FindStringSubmatch(body); len(m) > 1 {
		v := cleanVersion(m[1])
		if !strings.EqualFold(v, "trunk") {
			version = v
		}
	}
	return name, version
}

func looksLikePluginReadme(body string) bool {
	return readmeNameRe.MatchString(body) || readmeStableTagRe.MatchString(body)
}

func parseThemeStyle(body string) (name, version string) {
	if m := styleNameRe.FindStringSubmatch(body); len(m) > 1 {
		name = strings.TrimSpace(m[1])
	}
	if m := styleVersionRe.FindStringSubmatch(body); len(m) > 1 {
		version = cleanVersion(m[1])
	}
	return name, version
}

func cleanVersion(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), ".,;-")
}
