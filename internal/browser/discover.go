package browser

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
)

// FindBrowser looks for an installed Edge, then Chrome, then Brave, and
// finally whatever rod's launcher can locate.
func FindBrowser() (string, bool) {
	for _, path := range browserCandidates(runtime.GOOS) {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return launcher.LookPath()
}

func browserCandidates(goos string) []string {
	switch goos {
	case "windows":
		var paths []string
		for _, root := range []string{os.Getenv("ProgramFiles(x86)"), os.Getenv("ProgramFiles"), os.Getenv("LOCALAPPDATA")} {
			if root == "" {
				continue
			}
			paths = append(paths,
				filepath.Join(root, "Microsoft", "Edge", "Application", "msedge.exe"),
				filepath.Join(root, "Google", "Chrome", "Application", "chrome.exe"),
				filepath.Join(root, "BraveSoftware", "Brave-Browser", "Application", "brave.exe"),
			)
		}
		return orderByBrand(paths)
	case "darwin":
		return []string{
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
		}
	default:
		return []string{
			"/usr/bin/microsoft-edge",
			"/usr/bin/microsoft-edge-stable",
			"/opt/microsoft/msedge/msedge",
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/brave-browser",
			"/usr/bin/brave",
		}
	}
}

// orderByBrand keeps the Edge > Chrome > Brave preference across install roots.
func orderByBrand(paths []string) []string {
	ordered := make([]string, 0, len(paths))
	for _, brand := range []string{"msedge.exe", "chrome.exe", "brave.exe"} {
		for _, p := range paths {
			if filepath.Base(p) == brand {
				ordered = append(ordered, p)
			}
		}
	}
	return ordered
}
