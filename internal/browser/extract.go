package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"askbridge/internal/cookies"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus"
)

// Installation locates one locally installed browser.
type Installation struct {
	Bin         string
	UserDataDir string
}

// CookieExtractor reads target cookies out of a locally installed browser
// profile by opening it headless and asking over CDP, so the browser does
// its own cookie decryption.
type CookieExtractor struct {
	Domain string
	// Locate maps a browser name to its installation. Defaults to
	// LocateBrowser.
	Locate func(name string) (Installation, error)
	Log    logrus.FieldLogger
}

func (x *CookieExtractor) Extract(ctx context.Context, name string) (cookies.TokenSet, error) {
	locate := x.Locate
	if locate == nil {
		locate = LocateBrowser
	}
	inst, err := locate(name)
	if err != nil {
		return cookies.TokenSet{}, err
	}

	l := launcher.New().Bin(inst.Bin).Headless(true).UserDataDir(inst.UserDataDir)
	controlURL, err := l.Launch()
	if err != nil {
		// Usually the profile is locked by a running instance.
		return cookies.TokenSet{}, fmt.Errorf("open %s profile: %w", name, err)
	}
	defer l.Kill()

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return cookies.TokenSet{}, fmt.Errorf("connect %s: %w", name, err)
	}
	defer func() {
		if err := b.Close(); err != nil && x.Log != nil {
			x.Log.WithError(err).Debug("close extraction browser failed")
		}
	}()

	all, err := b.GetCookies()
	if err != nil {
		return cookies.TokenSet{}, fmt.Errorf("read %s cookies: %w", name, err)
	}
	ts := filterCookies(all, x.Domain)
	if ts.Empty() {
		return ts, fmt.Errorf("no %s cookies in %s profile", x.Domain, name)
	}
	return ts, nil
}

// LocateBrowser finds the binary and default profile of chrome, edge or
// chromium for the current OS.
func LocateBrowser(name string) (Installation, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Installation{}, err
	}
	cands, ok := browserPaths(runtime.GOOS, home)[strings.ToLower(name)]
	if !ok {
		return Installation{}, fmt.Errorf("unsupported browser %q", name)
	}
	inst := Installation{UserDataDir: cands.dataDir}
	for _, bin := range cands.bins {
		if _, err := os.Stat(bin); err == nil {
			inst.Bin = bin
			break
		}
	}
	if inst.Bin == "" && strings.EqualFold(name, "chrome") {
		if p, found := launcher.LookPath(); found {
			inst.Bin = p
		}
	}
	if inst.Bin == "" {
		return Installation{}, fmt.Errorf("%s is not installed", name)
	}
	if _, err := os.Stat(inst.UserDataDir); err != nil {
		return Installation{}, fmt.Errorf("%s profile not found", name)
	}
	return inst, nil
}

type browserCandidates struct {
	bins    []string
	dataDir string
}

func browserPaths(goos, home string) map[string]browserCandidates {
	switch goos {
	case "darwin":
		app := "/Applications"
		support := filepath.Join(home, "Library", "Application Support")
		return map[string]browserCandidates{
			"chrome":   {[]string{app + "/Google Chrome.app/Contents/MacOS/Google Chrome"}, filepath.Join(support, "Google", "Chrome")},
			"edge":     {[]string{app + "/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"}, filepath.Join(support, "Microsoft Edge")},
			"chromium": {[]string{app + "/Chromium.app/Contents/MacOS/Chromium"}, filepath.Join(support, "Chromium")},
		}
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		pf := os.Getenv("ProgramFiles")
		pf86 := os.Getenv("ProgramFiles(x86)")
		return map[string]browserCandidates{
			"chrome": {[]string{
				filepath.Join(pf, "Google", "Chrome", "Application", "chrome.exe"),
				filepath.Join(pf86, "Google", "Chrome", "Application", "chrome.exe"),
			}, filepath.Join(local, "Google", "Chrome", "User Data")},
			"edge": {[]string{
				filepath.Join(pf86, "Microsoft", "Edge", "Application", "msedge.exe"),
				filepath.Join(pf, "Microsoft", "Edge", "Application", "msedge.exe"),
			}, filepath.Join(local, "Microsoft", "Edge", "User Data")},
			"chromium": {[]string{filepath.Join(local, "Chromium", "Application", "chrome.exe")}, filepath.Join(local, "Chromium", "User Data")},
		}
	default:
		cfg := filepath.Join(home, ".config")
		return map[string]browserCandidates{
			"chrome":   {[]string{"/usr/bin/google-chrome", "/usr/bin/google-chrome-stable", "/opt/google/chrome/chrome"}, filepath.Join(cfg, "google-chrome")},
			"edge":     {[]string{"/usr/bin/microsoft-edge", "/usr/bin/microsoft-edge-stable"}, filepath.Join(cfg, "microsoft-edge")},
			"chromium": {[]string{"/usr/bin/chromium", "/usr/bin/chromium-browser", "/snap/bin/chromium"}, filepath.Join(cfg, "chromium")},
		}
	}
}
