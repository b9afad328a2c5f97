package wordpress

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/wpscan/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpscan/pkg/types"
)

// Pass strings reported in the security list, in report order.
const (
	CheckDirectoryListing = "Directory listing disabled"
	CheckConfigProtected  = "wp-config.php not web-readable"
	CheckNoConfigBackups  = "No wp-config.php backups exposed"
	CheckXMLRPCDisabled   = "XML-RPC disabled"
	CheckAdminUsername    = `Admin username is not "admin"`
	CheckUserEnumeration  = "User enumeration blocked"
	CheckDebugDisabled    = "Debug mode disabled"
	CheckVersionHidden    = "WordPress version hidden"
	CheckReadmeHidden     = "readme.html not exposed"
	CheckHTTPSEnforced    = "HTTPS enforced"
	CheckSecurityHeaders  = "Security headers present"
)

var (
	listingPaths = []string{"/wp-content/uploads/", "/wp-content/plugins/"}

	configBackupPaths = []string{
		"/wp-config.php.bak",
		"/wp-config.php~",
		"/.wp-config.php.swp",
		"/wp-config.old",
		"/wp-config.bak",
		"/wp-config.php.save",
		"/wp-config.php.orig",
		"/wp-config.txt",
	}

	configMarkers   = []string{"DB_NAME", "DB_USER", "DB_PASSWORD"}
	phpErrorMarkers = []string{
		"<b>Notice</b>:",
		"<b>Warning</b>:",
		"<b>Fatal error</b>:",
		"<b>Deprecated</b>:",
	}

	authorSlugRe = regexp.MustCompile(`/author/([^/\s"'?#]+)`)
)

type hardeningEnv struct {
	sess        *session
	home        *page
	coreVersion string
	// users is shared by the admin-name and enumeration checks.
	users func() []string
}

type hardeningCheck struct {
	pass string
	run  func(ctx context.Context, env *hardeningEnv) bool
}

var hardeningChecks = []hardeningCheck{
	{CheckDirectoryListing, checkDirectoryListing},
	{CheckConfigProtected, checkConfigProtected},
	{CheckNoConfigBackups, checkConfigBackups},
	{CheckXMLRPCDisabled, checkXMLRPC},
	{CheckAdminUsername, checkAdminUsername},
	{CheckUserEnumeration, checkUserEnumeration},
	{CheckDebugDisabled, checkDebug},
	{CheckVersionHidden, checkVersionHidden},
	{CheckReadmeHidden, checkReadme},
	{CheckHTTPSEnforced, checkHTTPS},
	{CheckSecurityHeaders, checkSecurityHeaders},
}

// runHardening returns the pass strings of the checks that passed, in fixed
// order, and the number of checks run.
func (s *Scanner) runHardening(ctx context.Context, log *logger.Logger, sess *session, home *page, coreVersion string) ([]string, int) {
	env := &hardeningEnv{
		sess:        sess,
		home:        home,
		coreVersion: coreVersion,
	}
	env.users = sync.OnceValue(func() []string {
		return exposedUsers(ctx, sess)
	})

	results := make([]bool, len(hardeningChecks))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, c := range hardeningChecks {
		g.Go(func() error {
			results[i] = c.run(ctx, env)
			return nil
		})
	}
	_ = g.Wait()

	passed := []string{}
	for i, ok := range results {
		if ok {
			passed = append(passed, hardeningChecks[i].pass)
			continue
		}
		log.Debugw("Hardening check failed", "check", hardeningChecks[i].pass)
	}
	return passed, len(hardeningChecks)
}

// exposed fetches path and reports whether it answered 2xx with any marker.
func exposed(ctx context.Context, sess *session, path string, markers []string) bool {
	p, err := sess.get(ctx, path)
	if err != nil {
		return false
	}
	return p.ok() && containsAny(p.text(), markers)
}

func checkDirectoryListing(ctx context.Context, env *hardeningEnv) bool {
	for _, path := range listingPaths {
		if exposed(ctx, env.sess, path, []string{"<title>Index of", "<h1>Index of"}) {
			return false
		}
	}
	return true
}

func checkConfigProtected(ctx context.Context, env *hardeningEnv) bool {
	return !exposed(ctx, env.sess, "/wp-config.php", configMarkers)
}

func checkConfigBackups(ctx context.Context, env *hardeningEnv) bool {
	for _, path := range configBackupPaths {
		if exposed(ctx, env.sess, path, configMarkers) {
			return false
		}
	}
	return true
}

func checkXMLRPC(ctx context.Context, env *hardeningEnv) bool {
	p, err := env.sess.get(ctx, "/xmlrpc.php")
	if err != nil {
		return true
	}
	return !p.contains(xmlrpcSignature)
}

func checkAdminUsername(_ context.Context, env *hardeningEnv) bool {
	for _, slug := range env.users() {
		if strings.EqualFold(slug, "admin") {
			return false
		}
	}
	return true
}

func checkUserEnumeration(_ context.Context, env *hardeningEnv) bool {
	return len(env.users()) == 0
}

func checkDebug(ctx context.Context, env *hardeningEnv) bool {
	if containsAny(env.home.text(), phpErrorMarkers) {
		return false
	}
	return !exposed(ctx, env.sess, "/wp-content/debug.log", []string{"PHP "})
}

func checkVersionHidden(_ context.Context, env *hardeningEnv) bool {
	return env.coreVersion == "" || env.coreVersion == types.UnknownVersion
}

func checkReadme(ctx context.Context, env *hardeningEnv) bool {
	return !exposed(ctx, env.sess, "/readme.html", []string{"WordPress"})
}

// checkHTTPS passes when the site ends up on https and plain http either
// redirects there, is pinned by HSTS or is not served at all.
func checkHTTPS(ctx context.Context, env *hardeningEnv) bool {
	if env.home.url == nil || env.home.url.Scheme != "https" {
		return false
	}
	if strings.HasPrefix(env.sess.base, "http://") {
		// The homepage request itself was upgraded.
		return true
	}
	if env.home.header.Get("Strict-Transport-Security") != "" {
		return true
	}
	p, err := env.sess.fetch.getRaw(ctx, "http://"+env.home.url.Host+"/")
	if err != nil {
		return true
	}
	return isRedirect(p.status) && strings.HasPrefix(strings.ToLower(p.header.Get("Location")), "https://")
}

func checkSecurityHeaders(_ context.Context, env *hardeningEnv) bool {
	h := env.home.header
	framing := h.Get("X-Frame-Options") != "" || h.Get("Content-Security-Policy") != ""
	nosniff := strings.EqualFold(strings.TrimSpace(h.Get("X-Content-Type-Options")), "nosniff")
	if !framing || !nosniff {
		return false
	}
	if env.home.url != nil && env.home.url.Scheme == "https" {
		return h.Get("Strict-Transport-Security") != ""
	}
	return true
}

type restUser struct {
	Slug string `json:"slug"`
}

// exposedUsers collects author slugs from the users endpoint and the
// ?author=1 redirect.
func exposedUsers(ctx context.Context, sess *session) []string {
	var slugs []string
	seen := make(map[string]bool)
	add := func(slug string) {
		if slug != "" && !seen[slug] {
			seen[slug] = true
			slugs = append(slugs, slug)
		}
	}

	if p, err := sess.get(ctx, "/wp-json/wp/v2/users"); err == nil && p.ok() {
		var users []restUser
		if json.Unmarshal(p.body, &users) == nil {
			for _, u := range users {
				add(u.Slug)
			}
		}
	}

	if p, err := sess.fetch.getRaw(ctx, sess.base+"/?author=1"); err == nil && isRedirect(p.status) {
		if m := authorSlugRe.FindStringSubmatch(p.header.Get("Location")); len(m) > 1 {
			add(m[1])
		}
	}
	return slugs
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
