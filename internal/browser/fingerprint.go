package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// fingerprintPatches are evaluated on every new document, on top of the
// go-rod/stealth evasions, so navigator properties agree with the emulated
// device.
func fingerprintPatches(spec LaunchSpec) []string {
	platform := "Win32"
	touchPoints := 0
	memory := 8
	if spec.Device.Mobile {
		platform = "iPhone"
		touchPoints = 5
		memory = 4
	}
	languages := languageList(spec.Language)
	langJSON, _ := json.Marshal(languages)

	return []string{
		`() => {
			Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
		}`,

		`() => {
			const originalGetContext = HTMLCanvasElement.prototype.getContext;
			HTMLCanvasElement.prototype.getContext = function(type, ...args) {
				const context = originalGetContext.apply(this, [type, ...args]);
				if (type === '2d' && context) {
					const originalFillText = context.fillText;
					context.fillText = function(text, x, y, ...rest) {
						const noise = Math.random() * 0.0001;
						return originalFillText.apply(this, [text, x + noise, y, ...rest]);
					};
				}
				return context;
			};
		}`,

		`() => {
			const getParameter = WebGLRenderingContext.prototype.getParameter;
			WebGLRenderingContext.prototype.getParameter = function(parameter) {
				if (parameter === 37445) return 'Intel Inc.';
				if (parameter === 37446) return 'Intel Iris OpenGL Engine';
				return getParameter.call(this, parameter);
			};
		}`,

		fmt.Sprintf(`() => {
			Object.defineProperty(navigator, 'languages', { get: () => %s });
			Object.defineProperty(navigator, 'platform', { get: () => %q });
			Object.defineProperty(navigator, 'maxTouchPoints', { get: () => %d });
			Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
			Object.defineProperty(navigator, 'deviceMemory', { get: () => %d });
		}`, langJSON, platform, touchPoints, memory),

		`() => {
			if (!window.navigator.permissions) return;
			const originalQuery = window.navigator.permissions.query;
			window.navigator.permissions.query = (parameters) => (
				parameters.name === 'notifications' ?
					Promise.resolve({ state: Notification.permission }) :
					originalQuery(parameters)
			);
		}`,
	}
}

// languageList turns "en-US" into ["en-US", "en"].
func languageList(lang string) []string {
	if lang == "" {
		lang = "en-US"
	}
	list := []string{lang}
	if base, _, ok := strings.Cut(lang, "-"); ok {
		list = append(list, base)
	}
	return list
}
