package browsersession

import (
	"fmt"
	"math/rand"
)

// StealthConfig controls fingerprint spoofing applied to a profile's pages.
type StealthConfig struct {
	WindowWidth, WindowHeight int
	Platform                  string
	Language                  string
	HardwareConcurrency       int
	DeviceMemory              int
}

// DefaultStealthConfig returns a configuration that mimics a typical
// desktop browser, with viewport, platform and core count randomized on each
// call; Manager.Open calls it once per session.
func DefaultStealthConfig() StealthConfig {
	viewports := []struct{ w, h int }{
		{1920, 1080}, {1366, 768}, {1536, 864}, {1440, 900}, {1280, 720},
	}
	vp := viewports[rand.Intn(len(viewports))]
	platforms := []string{"Win32", "MacIntel", "Linux x86_64"}

	return StealthConfig{
		WindowWidth:         vp.w,
		WindowHeight:        vp.h,
		Platform:            platforms[rand.Intn(len(platforms))],
		Language:            "en-US",
		HardwareConcurrency: 4 + rand.Intn(13),
		DeviceMemory:        8,
	}
}

// JS returns the fingerprint-spoofing script injected before any page script
// runs. Kept deliberately small: the go-rod/stealth library already covers
// the common webdriver/plugin/permission tells; this only overrides
// navigator.platform, language(s), hardwareConcurrency and deviceMemory.
// WindowWidth and WindowHeight are not applied by this script.
func (c StealthConfig) JS() string {
	return fmt.Sprintf(`
Object.defineProperty(navigator, 'platform', { get: () => %q });
Object.defineProperty(navigator, 'language', { get: () => %q });
Object.defineProperty(navigator, 'languages', { get: () => [%q, 'en'] });
Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => %d });
Object.defineProperty(navigator, 'deviceMemory', { get: () => %d });
`, c.Platform, c.Language, c.Language, c.HardwareConcurrency, c.DeviceMemory)
}
